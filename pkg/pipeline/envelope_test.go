package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestedEnvelope() Envelope {
	in := InputRef{Bucket: "audio-inbox", Name: "visit.wav", Generation: "17", SessionID: "s1"}
	return NewEnvelope(EventTypeFor(StageRedact, KindRequested), RunID(in), StageRedact, in, "corr-9")
}

func TestEventTypeSplit(t *testing.T) {
	stage, kind, err := EventType("audit.completed").Split()
	require.NoError(t, err)
	assert.Equal(t, StageAudit, stage)
	assert.Equal(t, KindCompleted, kind)

	for _, bad := range []EventType{"audit", "audit.done", "summarize.requested", ""} {
		_, _, err := bad.Split()
		assert.Error(t, err, "event type %q", bad)
	}
}

func TestEnvelopeEncodeDecode(t *testing.T) {
	env := requestedEnvelope()
	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
	assert.Equal(t, env.RunID, decoded.IdempotencyKey)
}

func TestDecodeEnvelope_RejectsInvalid(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"version":"1","event_type":"redact.requested","step":"redact"}`))
	assert.Error(t, err, "missing run_id")

	_, err = DecodeEnvelope([]byte(`{"version":"1","event_type":"redact.bogus","run_id":"r","step":"redact"}`))
	assert.Error(t, err)
}

func TestCompletionEnvelope(t *testing.T) {
	req := requestedEnvelope()
	out := Completion(req, "s3://artifacts/r/redacted.json", map[string]string{"entities": "3"})

	assert.Equal(t, EventType("redact.completed"), out.EventType)
	assert.Equal(t, req.RunID, out.RunID)
	assert.Equal(t, req.Input, out.Input)
	assert.Equal(t, req.CorrelationID, out.CorrelationID)
	assert.Equal(t, req.RunID, out.Artifacts["cache_key"])
	assert.Equal(t, "s3://artifacts/r/redacted.json", out.Artifacts["redact_uri"])
	assert.Equal(t, "3", out.Artifacts["entities"])
	require.NoError(t, out.Validate())
}

func TestFailureEnvelope(t *testing.T) {
	req := requestedEnvelope()
	out := Failure(req, Permanent("transcript missing speaker turns"))

	assert.Equal(t, EventType("redact.failed"), out.EventType)
	assert.Equal(t, req.RunID, out.RunID)
	assert.Contains(t, out.Error, "transcript missing speaker turns")
	require.NoError(t, out.Validate())
}
