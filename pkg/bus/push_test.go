package bus

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

func testEnvelope(t *testing.T) pipeline.Envelope {
	t.Helper()
	input := pipeline.InputRef{
		Bucket:     "audio-inbox",
		Name:       "visit-001.wav",
		Generation: "1724650000000000",
		SessionID:  "sess-42",
	}
	return pipeline.NewEnvelope(
		pipeline.EventTypeFor(pipeline.StageTranscribe, pipeline.KindRequested),
		pipeline.RunID(input), pipeline.StageTranscribe, input, "corr-1")
}

func TestPushRoundTrip(t *testing.T) {
	env := testEnvelope(t)
	data, err := env.Encode()
	require.NoError(t, err)

	push := WrapPush("msg-1", env.RunID, data, envelopeAttributes(env))
	body, err := json.Marshal(push)
	require.NoError(t, err)

	decoded, messageID, err := DecodePush(body)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", messageID)
	assert.Equal(t, env.RunID, decoded.RunID)
	assert.Equal(t, env.EventType, decoded.EventType)
	assert.Equal(t, env.Input, decoded.Input)
}

func TestDecodePush_Failures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "{{"},
		{name: "missing data", body: `{"message":{"messageId":"m1"}}`},
		{name: "bad base64", body: `{"message":{"messageId":"m1","data":"!!!"}}`},
		{
			name: "data is not an envelope",
			body: `{"message":{"messageId":"m1","data":"` + base64.StdEncoding.EncodeToString([]byte(`{"run_id":""}`)) + `"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodePush([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, pipeline.IsPermanent(err), "push decode failures must be permanent")
		})
	}
}

func TestDeliveryAttempt(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, 1, DeliveryAttempt(h))

	h.Set(DeliveryAttemptHeader, "7")
	assert.Equal(t, 7, DeliveryAttempt(h))

	h.Set(DeliveryAttemptHeader, "zero")
	assert.Equal(t, 1, DeliveryAttempt(h))

	h.Set(DeliveryAttemptHeader, "-2")
	assert.Equal(t, 1, DeliveryAttempt(h))
}

func TestTopicFor(t *testing.T) {
	got := topicFor("scribeflow.", pipeline.EventTypeFor(pipeline.StageAudit, pipeline.KindCompleted))
	assert.Equal(t, "scribeflow.audit.completed", got)
}
