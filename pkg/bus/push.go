package bus

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

// DeliveryAttemptHeader carries the substrate's redelivery count on
// push requests.
const DeliveryAttemptHeader = "X-Delivery-Attempt"

// PushMessage is the inner message of a push envelope. Data holds the
// base64-encoded pipeline envelope.
type PushMessage struct {
	MessageID   string            `json:"messageId"`
	PublishTime string            `json:"publishTime,omitempty"`
	Data        string            `json:"data"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	OrderingKey string            `json:"orderingKey,omitempty"`
}

// PushEnvelope is the HTTP body the delivery substrate posts to push
// endpoints.
type PushEnvelope struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription,omitempty"`
}

// WrapPush builds a push envelope around an encoded pipeline envelope.
func WrapPush(messageID, orderingKey string, data []byte, attributes map[string]string) PushEnvelope {
	return PushEnvelope{
		Message: PushMessage{
			MessageID:   messageID,
			Data:        base64.StdEncoding.EncodeToString(data),
			Attributes:  attributes,
			OrderingKey: orderingKey,
		},
	}
}

// DecodePush parses a push HTTP body into the pipeline envelope it
// carries. All failures are permanent: a malformed push never becomes
// valid on redelivery.
func DecodePush(body []byte) (pipeline.Envelope, string, error) {
	var push PushEnvelope
	if err := json.Unmarshal(body, &push); err != nil {
		return pipeline.Envelope{}, "", pipeline.Permanent("invalid push envelope: %v", err)
	}
	if push.Message.Data == "" {
		return pipeline.Envelope{}, "", pipeline.Permanent("push envelope missing message.data")
	}
	raw, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		return pipeline.Envelope{}, "", pipeline.Permanent("invalid base64 message data: %v", err)
	}
	env, err := pipeline.DecodeEnvelope(raw)
	if err != nil {
		return pipeline.Envelope{}, "", pipeline.Permanent("invalid event envelope: %v", err)
	}
	return env, push.Message.MessageID, nil
}

// DeliveryAttempt reads the redelivery count from push headers.
// Returns 1 when the header is absent or unparsable.
func DeliveryAttempt(h http.Header) int {
	v := h.Get(DeliveryAttemptHeader)
	if v == "" {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// envelopeAttributes extracts the standard message attributes for an
// envelope, mirrored on every publish for filtering and inspection.
func envelopeAttributes(env pipeline.Envelope) map[string]string {
	return map[string]string{
		"event_type": string(env.EventType),
		"run_id":     env.RunID,
		"step":       string(env.Step),
	}
}

func topicFor(prefix string, eventType pipeline.EventType) string {
	return fmt.Sprintf("%s%s", prefix, eventType)
}
