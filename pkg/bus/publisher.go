// Package bus is the messaging layer: a Kafka-backed publisher keyed
// by run_id for per-run FIFO delivery, the push envelope contract used
// to hand messages to HTTP consumers, and the bearer-token identity
// scheme that authenticates pushes.
package bus

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/aurelia-health/scribeflow/pkg/config"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
	"github.com/aurelia-health/scribeflow/pkg/retry"
)

// Publisher publishes pipeline envelopes with an ordering key.
// Delivery is at-least-once; consumers must be idempotent.
type Publisher interface {
	Publish(ctx context.Context, env pipeline.Envelope) error
}

// messageWriter is the subset of kafka.Writer the publisher uses,
// extracted so tests can inject failures.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher publishes envelopes to per-event-type topics. The
// message key is the run id, so all events of one run land on one
// partition and are delivered FIFO to each consumer group.
type KafkaPublisher struct {
	writer      messageWriter
	topicPrefix string
	ordering    bool
	timeout     retry.Policy
}

// NewKafkaPublisher creates a publisher for the configured brokers.
func NewKafkaPublisher(cfg config.BusSettings) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           cfg.PublishTimeout,
	}
	return &KafkaPublisher{
		writer:      w,
		topicPrefix: cfg.TopicPrefix,
		ordering:    cfg.OrderingEnabled,
		timeout:     cfg.Retry.Policy(),
	}
}

// Publish writes the envelope to its event-type topic with bounded
// full-jitter retry. Failures after the budget are returned to the
// caller, whose own delivery substrate re-drives the publish.
func (p *KafkaPublisher) Publish(ctx context.Context, env pipeline.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return pipeline.Permanent("encoding envelope for publish: %v", err)
	}

	msg := kafka.Message{
		Topic: topicFor(p.topicPrefix, env.EventType),
		Value: data,
	}
	if p.ordering {
		msg.Key = []byte(env.RunID)
	}
	for k, v := range envelopeAttributes(env) {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	slog.Info("Publishing event",
		"topic", msg.Topic,
		"event_type", env.EventType,
		"run_id", env.RunID,
		"ordering_key", string(msg.Key),
		"correlation_id", env.CorrelationID)

	return p.timeout.Do(ctx, "publish "+string(env.EventType), func(ctx context.Context) error {
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			return pipeline.Classify(err)
		}
		return nil
	})
}

// Close releases the underlying writer if it supports closing.
func (p *KafkaPublisher) Close() error {
	if c, ok := p.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// newMessageID returns a unique id for push envelopes built by the
// consumer bridge.
func newMessageID() string {
	return uuid.New().String()
}
