package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EnvelopeVersion is the current wire version of the event envelope.
const EnvelopeVersion = "1"

// Event kind suffixes. A full event type is "<stage>.<kind>",
// e.g. "transcribe.requested" or "audit.completed".
const (
	KindRequested = "requested"
	KindCompleted = "completed"
	KindFailed    = "failed"
)

// EventType names a stage lifecycle event on the bus.
type EventType string

// EventTypeFor builds the event type for a stage and kind.
func EventTypeFor(stage Stage, kind string) EventType {
	return EventType(string(stage) + "." + kind)
}

// Split returns the stage and kind components of the event type.
// The error is permanent: an unparseable event type can never succeed.
func (t EventType) Split() (Stage, string, error) {
	stage, kind, ok := strings.Cut(string(t), ".")
	if !ok {
		return "", "", fmt.Errorf("malformed event type %q", t)
	}
	s, err := ParseStage(stage)
	if err != nil {
		return "", "", err
	}
	switch kind {
	case KindRequested, KindCompleted, KindFailed:
		return s, kind, nil
	default:
		return "", "", fmt.Errorf("unknown event kind %q", kind)
	}
}

// Envelope is the immutable message exchanged between the orchestrator
// and the stage workers. Messages carry references, never payloads:
// stage inputs and outputs live in the artifact store, and the
// envelope's Artifacts map holds only small keys and URIs (plus tiny
// summary fields such as hipaa_pass on audit completion).
type Envelope struct {
	Version        string            `json:"version"`
	EventType      EventType         `json:"event_type"`
	RunID          string            `json:"run_id"`
	Step           Stage             `json:"step"`
	Input          InputRef          `json:"input"`
	Artifacts      map[string]string `json:"artifacts,omitempty"`
	Error          string            `json:"error,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	TS             string            `json:"ts"`
}

// NewEnvelope builds an envelope for the given event with the current
// timestamp. The run id doubles as the idempotency key.
func NewEnvelope(eventType EventType, runID string, step Stage, input InputRef, correlationID string) Envelope {
	return Envelope{
		Version:        EnvelopeVersion,
		EventType:      eventType,
		RunID:          runID,
		Step:           step,
		Input:          input,
		CorrelationID:  correlationID,
		IdempotencyKey: runID,
		TS:             time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Validate checks the fields every consumer depends on. Failures are
// permanent (a malformed envelope never becomes valid on retry).
func (e *Envelope) Validate() error {
	if e.RunID == "" {
		return fmt.Errorf("envelope missing run_id")
	}
	if _, _, err := e.EventType.Split(); err != nil {
		return err
	}
	if !e.Step.Valid() {
		return fmt.Errorf("envelope has unknown step %q", e.Step)
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates an envelope from wire bytes.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Completion builds the <stage>.completed envelope for a finished stage
// execution, carrying the artifact cache key and URI.
func Completion(req Envelope, artifactURI string, summary map[string]string) Envelope {
	out := NewEnvelope(EventTypeFor(req.Step, KindCompleted), req.RunID, req.Step, req.Input, req.CorrelationID)
	out.Artifacts = map[string]string{
		"cache_key":               req.RunID,
		string(req.Step) + "_uri": artifactURI,
	}
	for k, v := range summary {
		out.Artifacts[k] = v
	}
	return out
}

// Failure builds the <stage>.failed envelope for a permanently failed
// stage execution.
func Failure(req Envelope, stageErr error) Envelope {
	out := NewEnvelope(EventTypeFor(req.Step, KindFailed), req.RunID, req.Step, req.Input, req.CorrelationID)
	if stageErr != nil {
		out.Error = stageErr.Error()
	}
	return out
}
