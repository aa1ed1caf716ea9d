package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-health/scribeflow/pkg/pipeline"
	"github.com/aurelia-health/scribeflow/pkg/retry"
)

// fakeWriter records written messages and can fail a fixed number of
// times before succeeding.
type fakeWriter struct {
	written  []kafka.Message
	failures int
	err      error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.written = append(f.written, msgs...)
	return nil
}

func testPublisher(w messageWriter, ordering bool) *KafkaPublisher {
	return &KafkaPublisher{
		writer:      w,
		topicPrefix: "scribeflow.",
		ordering:    ordering,
		timeout: retry.Policy{
			MaxRetries:  2,
			BackoffBase: time.Millisecond,
			BackoffCap:  2 * time.Millisecond,
			Budget:      time.Second,
		},
	}
}

func TestKafkaPublisher_OrderingKeyAndTopic(t *testing.T) {
	w := &fakeWriter{}
	p := testPublisher(w, true)
	env := testEnvelope(t)

	require.NoError(t, p.Publish(context.Background(), env))
	require.Len(t, w.written, 1)

	msg := w.written[0]
	assert.Equal(t, "scribeflow.transcribe.requested", msg.Topic)
	assert.Equal(t, env.RunID, string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, env.RunID, headers["run_id"])
	assert.Equal(t, "transcribe.requested", headers["event_type"])
	assert.Equal(t, "transcribe", headers["step"])

	decoded, err := pipeline.DecodeEnvelope(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, env.RunID, decoded.RunID)
}

func TestKafkaPublisher_OrderingDisabled(t *testing.T) {
	w := &fakeWriter{}
	p := testPublisher(w, false)

	require.NoError(t, p.Publish(context.Background(), testEnvelope(t)))
	require.Len(t, w.written, 1)
	assert.Nil(t, w.written[0].Key)
}

func TestKafkaPublisher_RetriesTransientFailures(t *testing.T) {
	w := &fakeWriter{failures: 2, err: errors.New("broker unavailable")}
	p := testPublisher(w, true)

	require.NoError(t, p.Publish(context.Background(), testEnvelope(t)))
	assert.Len(t, w.written, 1)
}

func TestKafkaPublisher_ExhaustsRetryBudget(t *testing.T) {
	w := &fakeWriter{failures: 10, err: errors.New("broker unavailable")}
	p := testPublisher(w, true)

	err := p.Publish(context.Background(), testEnvelope(t))
	require.Error(t, err)
	assert.True(t, pipeline.IsRetryable(err))
	assert.Empty(t, w.written)
}

func TestInMemPublisher(t *testing.T) {
	p := NewInMemPublisher()
	sub := p.Subscribe()
	env := testEnvelope(t)

	require.NoError(t, p.Publish(context.Background(), env))
	require.Len(t, p.Published(), 1)
	assert.Equal(t, env.RunID, (<-sub).RunID)

	p.FailWith(errors.New("down"))
	assert.Error(t, p.Publish(context.Background(), env))
	assert.Len(t, p.Published(), 1)

	p.FailWith(nil)
	require.NoError(t, p.Publish(context.Background(), env))
	assert.Len(t, p.Published(), 2)
}

func TestInMemPublisher_RejectsInvalidEnvelope(t *testing.T) {
	p := NewInMemPublisher()
	err := p.Publish(context.Background(), pipeline.Envelope{})
	require.Error(t, err)
	assert.True(t, pipeline.IsPermanent(err))
}
