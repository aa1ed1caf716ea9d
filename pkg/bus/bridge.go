package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/aurelia-health/scribeflow/pkg/config"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
	"github.com/aurelia-health/scribeflow/pkg/retry"
)

// Bridge consumes a service's subscribed topics and delivers each
// message to the service's push endpoint as an authenticated push
// envelope. It gives every service the same inbound contract whether
// messages arrive from the bridge or from an external push substrate.
//
// Offsets are committed only after the endpoint acked (2xx) or the
// message was dead-lettered, preserving at-least-once delivery.
// Because the reader consumes partitions in order and the message key
// is the run id, per-run FIFO order is preserved end to end.
type Bridge struct {
	reader     *kafka.Reader
	deadLetter messageWriter
	client     *http.Client
	tokens     TokenSource
	pushURL    string
	audience   string
	policy     retry.Policy

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// BridgeConfig assembles a Bridge.
type BridgeConfig struct {
	Bus      config.BusSettings
	Tokens   TokenSource
	PushURL  string // the service's own /events/pubsub endpoint
	Audience string
	Topics   []pipeline.EventType
	Client   *http.Client
}

// NewBridge creates a consumer bridge for the given topics.
func NewBridge(cfg BridgeConfig) *Bridge {
	topics := make([]string, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		topics = append(topics, topicFor(cfg.Bus.TopicPrefix, t))
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Bridge{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Bus.Brokers,
			GroupID:     cfg.Bus.ConsumerGroup,
			GroupTopics: topics,
			MinBytes:    1,
			MaxBytes:    10 << 20,
		}),
		deadLetter: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Bus.Brokers...),
			Topic:                  cfg.Bus.DeadLetterTopic,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		client:   client,
		tokens:   cfg.Tokens,
		pushURL:  cfg.PushURL,
		audience: cfg.Audience,
		policy:   cfg.Bus.Retry.Policy(),
	}
}

// Start begins consuming in a background goroutine.
func (b *Bridge) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(runCtx)
	}()
}

// Stop shuts the bridge down and waits for in-flight delivery.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		if err := b.reader.Close(); err != nil {
			slog.Warn("Error closing bus reader", "error", err)
		}
	})
}

func (b *Bridge) run(ctx context.Context) {
	slog.Info("Bus bridge started", "push_url", b.pushURL)
	for {
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Bus bridge shutting down")
				return
			}
			slog.Error("Fetching message failed", "error", err)
			continue
		}

		if err := b.deliver(ctx, msg); err != nil {
			if ctx.Err() != nil {
				// Leave the message uncommitted; it redelivers after restart.
				return
			}
			b.sendToDeadLetter(ctx, msg, err)
		}

		if err := b.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("Committing offset failed", "error", err)
		}
	}
}

// deliver posts the message to the push endpoint with bounded retry.
// 2xx acks; 4xx is permanent; 5xx retries within the policy budget.
func (b *Bridge) deliver(ctx context.Context, msg kafka.Message) error {
	push := WrapPush(messageIDFor(msg), string(msg.Key), msg.Value, headerMap(msg.Headers))
	body, err := json.Marshal(push)
	if err != nil {
		return pipeline.Permanent("encoding push envelope: %v", err)
	}

	attempt := 0
	return b.policy.Do(ctx, "push delivery", func(ctx context.Context) error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.pushURL, bytes.NewReader(body))
		if err != nil {
			return pipeline.Permanent("building push request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(DeliveryAttemptHeader, strconv.Itoa(attempt))
		if b.tokens != nil {
			token, err := b.tokens.Token(b.audience)
			if err != nil {
				return pipeline.Retryable("minting push token: %v", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return pipeline.Retryable("push delivery: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return pipeline.ClassifyHTTPStatus(resp.StatusCode, string(detail))
	})
}

func (b *Bridge) sendToDeadLetter(ctx context.Context, msg kafka.Message, cause error) {
	slog.Error("Delivery exhausted, dead-lettering message",
		"topic", msg.Topic, "key", string(msg.Key), "error", cause)

	dl := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(msg.Headers,
			kafka.Header{Key: "x-dead-letter-source", Value: []byte(msg.Topic)},
			kafka.Header{Key: "x-dead-letter-reason", Value: []byte(cause.Error())},
		),
	}
	if err := b.deadLetter.WriteMessages(ctx, dl); err != nil {
		slog.Error("Dead-letter publish failed; message will redeliver",
			"topic", msg.Topic, "error", err)
	}
}

func messageIDFor(msg kafka.Message) string {
	if msg.Topic == "" {
		return newMessageID()
	}
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func headerMap(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
