// Package worker is the shared stage worker skeleton. Every stage
// binary runs one instance: a push receiver that turns stage request
// events into queue tasks, and a task executor that runs the stage's
// business function, persists the artifact, and publishes the outcome.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aurelia-health/scribeflow/pkg/artifact"
	"github.com/aurelia-health/scribeflow/pkg/bus"
	"github.com/aurelia-health/scribeflow/pkg/httpx"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
	"github.com/aurelia-health/scribeflow/pkg/retry"
	"github.com/aurelia-health/scribeflow/pkg/stages"
)

// TaskEnqueuer turns request envelopes into queue tasks. Satisfied by
// taskqueue.Enqueuer.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, env pipeline.Envelope) (bool, error)
}

// Service is one stage's worker: push receiver plus task executor.
type Service struct {
	stage        pipeline.Stage
	executor     stages.Executor
	store        artifact.Store
	enqueuer     TaskEnqueuer
	publisher    bus.Publisher
	publishRetry retry.Policy
	stageTimeout time.Duration
}

// Config wires a worker Service.
type Config struct {
	Executor  stages.Executor
	Store     artifact.Store
	Enqueuer  TaskEnqueuer
	Publisher bus.Publisher

	// PublishRetry bounds the in-process completion publish retry
	// before the executor call fails over to the task queue.
	PublishRetry retry.Policy

	// StageTimeout bounds one task execution end to end.
	StageTimeout time.Duration
}

// New creates the worker service for the executor's stage.
func New(cfg Config) *Service {
	timeout := cfg.StageTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		stage:        cfg.Executor.Stage(),
		executor:     cfg.Executor,
		store:        cfg.Store,
		enqueuer:     cfg.Enqueuer,
		publisher:    cfg.Publisher,
		publishRetry: cfg.PublishRetry,
		stageTimeout: timeout,
	}
}

// Register mounts the worker routes. Both endpoints require push auth.
func (s *Service) Register(e *echo.Echo, verifier httpx.TokenVerifier) {
	auth := httpx.RequireAuth(verifier)
	e.POST("/events/pubsub", s.HandlePush, auth)
	e.POST("/tasks/"+string(s.stage), s.HandleTask, auth)
}

// HandlePush receives a pushed stage request event and enqueues the
// matching task. Events for other stages or kinds are acked and
// ignored; duplicate requests collapse into the existing task.
func (s *Service) HandlePush(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return httpx.BadRequest("unreadable push body")
	}
	env, messageID, err := bus.DecodePush(body)
	if err != nil {
		slog.Warn("Rejecting malformed push", "stage", s.stage, "error", err)
		return httpx.BadRequest("malformed push envelope")
	}

	log := slog.With("stage", s.stage, "run_id", env.RunID,
		"message_id", messageID,
		"delivery_attempt", bus.DeliveryAttempt(c.Request().Header))

	stage, kind, err := env.EventType.Split()
	if err != nil || stage != s.stage || kind != pipeline.KindRequested {
		log.Info("Ignoring event not addressed to this stage", "event_type", env.EventType)
		return c.NoContent(http.StatusNoContent)
	}

	created, err := s.enqueuer.Enqueue(c.Request().Context(), env)
	if err != nil {
		log.Error("Enqueue failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "enqueue failed")
	}
	log.Info("Stage request received", "task_created", created)
	return c.NoContent(http.StatusNoContent)
}

// HandleTask runs one stage execution. The response status carries the
// outcome classification back to the task queue: 200 done, 422 stop
// retrying, 503 retry.
func (s *Service) HandleTask(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return httpx.BadRequest("unreadable task body")
	}
	env, err := pipeline.DecodeEnvelope(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	if err := s.ExecuteTask(c.Request().Context(), env); err != nil {
		if pipeline.IsPermanent(err) {
			s.publishFailure(c.Request().Context(), env, err)
		}
		return httpx.MapPipelineError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// ExecuteTask performs one idempotent stage execution: short-circuit
// on an existing artifact, otherwise execute, persist, and publish the
// completion event.
func (s *Service) ExecuteTask(ctx context.Context, env pipeline.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, s.stageTimeout)
	defer cancel()

	ctx, span := otel.Tracer("scribeflow/worker").Start(ctx, "stage."+string(s.stage),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("pipeline.run_id", env.RunID),
			attribute.String("pipeline.stage", string(s.stage)),
		))
	defer span.End()

	log := slog.With("stage", s.stage, "run_id", env.RunID,
		"correlation_id", env.CorrelationID)

	key := pipeline.ArtifactPath(env.RunID, s.stage)
	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("probing artifact: %w", err)
	}
	if exists {
		log.Info("Artifact already present, skipping execution")
		span.SetAttributes(attribute.Bool("pipeline.cache_hit", true))
		summary, err := s.existingSummary(ctx, key)
		if err != nil {
			return err
		}
		return s.publishCompletion(ctx, env, s.store.URI(key), summary)
	}

	art, summary, err := s.executor.Execute(ctx, env)
	if err != nil {
		log.Warn("Stage execution failed",
			"permanent", pipeline.IsPermanent(err), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage execution failed")
		return pipeline.Classify(err)
	}

	uri, err := artifact.PutJSON(ctx, s.store, key, art)
	if err != nil {
		return fmt.Errorf("persisting artifact: %w", err)
	}
	log.Info("Stage complete", "artifact_uri", uri)
	return s.publishCompletion(ctx, env, uri, summary)
}

// publishCompletion publishes <stage>.completed with bounded in-process
// retry. Exhaustion is retryable: the task queue re-drives the whole
// execution and the artifact short-circuit makes the re-run cheap.
func (s *Service) publishCompletion(ctx context.Context, env pipeline.Envelope, uri string, summary map[string]string) error {
	completion := pipeline.Completion(env, uri, summary)
	ctx, span := otel.Tracer("scribeflow/worker").Start(ctx, "publish."+string(completion.EventType),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("pipeline.run_id", env.RunID),
			attribute.String("pipeline.event_type", string(completion.EventType)),
		))
	defer span.End()

	err := s.publishRetry.Do(ctx, "publish "+string(completion.EventType), func(ctx context.Context) error {
		return s.publisher.Publish(ctx, completion)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return pipeline.Retryable("publishing completion: %v", err)
	}
	return nil
}

// publishFailure publishes <stage>.failed, best effort. A lost failure
// event leaves the run RUNNING until the reaper expires it.
func (s *Service) publishFailure(ctx context.Context, env pipeline.Envelope, stageErr error) {
	failure := pipeline.Failure(env, stageErr)
	ctx, span := otel.Tracer("scribeflow/worker").Start(ctx, "publish."+string(failure.EventType),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("pipeline.run_id", env.RunID),
			attribute.String("pipeline.event_type", string(failure.EventType)),
		))
	defer span.End()

	err := s.publishRetry.Do(ctx, "publish "+string(failure.EventType), func(ctx context.Context) error {
		return s.publisher.Publish(ctx, failure)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to publish stage failure",
			"stage", s.stage, "run_id", env.RunID, "error", err)
	}
}

// existingSummary rebuilds the completion summary for a short-circuited
// execution. Only the audit stage carries one: the hipaa_pass flag that
// drives the orchestrator's branch decision must survive redelivery.
func (s *Service) existingSummary(ctx context.Context, key string) (map[string]string, error) {
	if s.stage != pipeline.StageAudit {
		return nil, nil
	}
	var verdict artifact.Audit
	if err := artifact.GetJSON(ctx, s.store, key, &verdict); err != nil {
		return nil, fmt.Errorf("reloading audit artifact: %w", err)
	}
	return map[string]string{"hipaa_pass": verdict.HipaaPass()}, nil
}
