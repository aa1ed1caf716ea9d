// Package ingest is the ingestion gateway: it converts object-upload
// notifications into orchestrator create-run calls, de-duplicated on
// the hashed input tuple so at most one run is created per upload no
// matter how often the notification is redelivered.
package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/sync/semaphore"

	"github.com/aurelia-health/scribeflow/pkg/bus"
	"github.com/aurelia-health/scribeflow/pkg/httpx"
	"github.com/aurelia-health/scribeflow/pkg/orchestrator"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
	"github.com/aurelia-health/scribeflow/pkg/retry"
)

// Notification is the object-store upload event carried inside the
// push message. Metadata is set by the uploader; session_id and
// language_hint are the keys the pipeline understands.
type Notification struct {
	Bucket     string            `json:"bucket"`
	Name       string            `json:"name"`
	Generation string            `json:"generation"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// InputRef converts the notification to the pipeline input reference.
func (n Notification) InputRef() pipeline.InputRef {
	return pipeline.InputRef{
		Bucket:       n.Bucket,
		Name:         n.Name,
		Generation:   n.Generation,
		SessionID:    n.Metadata["session_id"],
		LanguageHint: n.Metadata["language_hint"],
	}
}

// IngestionStore is the slice of the state layer the gateway uses.
// Satisfied by state.IngestStore.
type IngestionStore interface {
	CheckAndMark(ctx context.Context, in pipeline.InputRef, key string, ttl time.Duration) (bool, error)
	MarkDone(ctx context.Context, key string, duration time.Duration, outcome string) error
	MarkFailed(ctx context.Context, key string, transient bool, cause string, duration time.Duration) error
	ReapExpired(ctx context.Context, now time.Time) (int64, error)
}

// Service is the ingestion gateway.
type Service struct {
	ingests   IngestionStore
	client    *http.Client
	orchURL   string
	tokens    bus.TokenSource
	callRetry retry.Policy
	ttl       time.Duration

	// sem caps concurrent orchestrator calls per instance.
	sem *semaphore.Weighted
}

// Config wires a Service.
type Config struct {
	Ingests IngestionStore

	// OrchestratorURL is the orchestrator's base URL; create-run calls
	// go to <url>/run.
	OrchestratorURL string

	// Tokens mints bearer tokens for orchestrator calls; nil disables
	// outbound auth (local development).
	Tokens bus.TokenSource

	CallRetry   retry.Policy
	CallTimeout time.Duration
	Concurrency int

	// IdemTTL bounds ingestion record retention.
	IdemTTL time.Duration

	Client *http.Client
}

// New creates the gateway service.
func New(cfg Config) *Service {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 64
	}
	ttl := cfg.IdemTTL
	if ttl <= 0 {
		ttl = 14 * 24 * time.Hour
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.CallTimeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Service{
		ingests:   cfg.Ingests,
		client:    client,
		orchURL:   cfg.OrchestratorURL,
		tokens:    cfg.Tokens,
		callRetry: cfg.CallRetry,
		ttl:       ttl,
		sem:       semaphore.NewWeighted(int64(concurrency)),
	}
}

// Register mounts the gateway routes.
func (s *Service) Register(e *echo.Echo, verifier httpx.TokenVerifier) {
	e.POST("/pubsub/push", s.HandlePush, httpx.RequireAuth(verifier))
}

// HandlePush processes one upload notification. Responses drive the
// push substrate: 204 acks (success, duplicate, or permanent failure
// that retrying cannot fix), 500 asks for redelivery.
func (s *Service) HandlePush(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return httpx.BadRequest("unreadable push body")
	}

	ctx := c.Request().Context()
	corr := httpx.CorrelationFrom(ctx)
	log := slog.With("correlation_id", corr)

	in, messageID, err := parsePush(body)
	if err != nil {
		// Acked, not retried: a malformed notification never becomes
		// valid on redelivery. The substrate's dead-letter config is
		// the operator surface for these.
		log.Warn("Dropping malformed upload notification", "error", err)
		return c.NoContent(http.StatusNoContent)
	}

	key := pipeline.RunID(in)
	log = log.With("idem_key", key, "message_id", messageID,
		"delivery_attempt", bus.DeliveryAttempt(c.Request().Header))

	proceed, err := s.ingests.CheckAndMark(ctx, in, key, s.ttl)
	if err != nil {
		log.Error("Idempotency check failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "state store unavailable")
	}
	if !proceed {
		log.Info("Duplicate notification acked")
		return c.NoContent(http.StatusNoContent)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		_ = s.ingests.MarkFailed(ctx, key, true, "request cancelled before dispatch", 0)
		return echo.NewHTTPError(http.StatusInternalServerError, "cancelled")
	}
	defer s.sem.Release(1)

	start := time.Now()
	resp, err := s.createRun(ctx, in, corr, key)
	elapsed := time.Since(start)

	if err != nil {
		transient := pipeline.IsRetryable(err)
		if markErr := s.ingests.MarkFailed(ctx, key, transient, err.Error(), elapsed); markErr != nil {
			log.Error("Failed to record ingestion failure", "error", markErr)
		}
		if transient {
			log.Warn("Create-run failed transiently", "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "orchestrator unavailable")
		}
		log.Warn("Create-run failed permanently, acking", "error", err)
		return c.NoContent(http.StatusNoContent)
	}

	outcome := fmt.Sprintf("run %s created=%t", resp.RunID, resp.Created)
	if err := s.ingests.MarkDone(ctx, key, elapsed, outcome); err != nil {
		log.Error("Failed to record ingestion success", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "state store unavailable")
	}
	log.Info("Notification processed",
		"run_id", resp.RunID, "created", resp.Created, "duration_ms", elapsed.Milliseconds())
	return c.NoContent(http.StatusNoContent)
}

// createRun calls the orchestrator with bounded retry.
func (s *Service) createRun(ctx context.Context, in pipeline.InputRef, corr, key string) (*orchestrator.CreateRunResponse, error) {
	payload, err := json.Marshal(orchestrator.CreateRunRequest{Input: in})
	if err != nil {
		return nil, pipeline.Permanent("encoding create-run request: %v", err)
	}

	var out orchestrator.CreateRunResponse
	err = s.callRetry.Do(ctx, "create-run", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.orchURL+"/run",
			bytes.NewReader(payload))
		if err != nil {
			return pipeline.Permanent("building create-run request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(httpx.CorrelationHeader, corr)
		req.Header.Set("X-Idempotency-Key", key)
		if s.tokens != nil {
			token, err := s.tokens.Token(s.orchURL)
			if err != nil {
				return fmt.Errorf("minting orchestrator token: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return pipeline.Retryable("calling orchestrator: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if err := pipeline.ClassifyHTTPStatus(resp.StatusCode, "create-run"); err != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return pipeline.Retryable("decoding create-run response: %v", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReapExpired deletes ingestion records past their TTL deadline.
func (s *Service) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.ingests.ReapExpired(ctx, now)
}

// parsePush unwraps the push envelope and validates the notification.
func parsePush(body []byte) (pipeline.InputRef, string, error) {
	var push bus.PushEnvelope
	if err := json.Unmarshal(body, &push); err != nil {
		return pipeline.InputRef{}, "", pipeline.Permanent("invalid push envelope: %v", err)
	}
	if push.Message.Data == "" {
		return pipeline.InputRef{}, "", pipeline.Permanent("push envelope missing message.data")
	}
	raw, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		return pipeline.InputRef{}, "", pipeline.Permanent("invalid base64 message data: %v", err)
	}
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return pipeline.InputRef{}, "", pipeline.Permanent("invalid upload notification: %v", err)
	}
	in := n.InputRef()
	if err := in.Validate(); err != nil {
		return pipeline.InputRef{}, "", pipeline.Permanent("incomplete upload notification: %v", err)
	}
	return in, push.Message.MessageID, nil
}
