// Package orchestrator is the workflow controller: it creates runs and
// advances the per-run state machine as stage completion and failure
// events arrive. The process is stateless; every decision reads and
// writes the run and stage records transactionally.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aurelia-health/scribeflow/pkg/bus"
	"github.com/aurelia-health/scribeflow/pkg/httpx"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
	"github.com/aurelia-health/scribeflow/pkg/retry"
	"github.com/aurelia-health/scribeflow/pkg/state"
)

// CreateRunRequest is the POST /run body.
type CreateRunRequest struct {
	Input pipeline.InputRef `json:"input"`
}

// CreateRunResponse is the POST /run response.
type CreateRunResponse struct {
	RunID   string `json:"run_id"`
	Created bool   `json:"created"`
}

// RunResponse is the GET /runs/:id response.
type RunResponse struct {
	RunID     string              `json:"run_id"`
	Input     pipeline.InputRef   `json:"input"`
	Status    pipeline.RunStatus  `json:"status"`
	Outcome   pipeline.RunOutcome `json:"outcome,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Stages    []StageResponse     `json:"stages"`
}

// StageResponse is one stage record in a RunResponse.
type StageResponse struct {
	Stage     pipeline.Stage       `json:"stage"`
	Status    pipeline.StageStatus `json:"status"`
	Artifacts map[string]string    `json:"artifacts,omitempty"`
	Error     string               `json:"error,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// RunStateStore is the slice of the state layer the orchestrator
// drives. Satisfied by state.RunStore.
type RunStateStore interface {
	CreateRun(ctx context.Context, run *pipeline.Run) (bool, error)
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)
	GetStage(ctx context.Context, runID string, stage pipeline.Stage) (*pipeline.StageRecord, error)
	ListStages(ctx context.Context, runID string) ([]pipeline.StageRecord, error)
	CompleteStage(ctx context.Context, runID string, stage pipeline.Stage, artifacts map[string]string) (bool, error)
	FailStage(ctx context.Context, runID string, stage pipeline.Stage, stageErr string) (bool, error)
	FinalizeRun(ctx context.Context, runID string, status pipeline.RunStatus, outcome pipeline.RunOutcome) error
	ReapExpired(ctx context.Context, now time.Time) (int64, error)
}

// Service is the orchestrator.
type Service struct {
	runs         RunStateStore
	publisher    bus.Publisher
	publishRetry retry.Policy
	runTTL       time.Duration
}

// Config wires a Service.
type Config struct {
	Runs         RunStateStore
	Publisher    bus.Publisher
	PublishRetry retry.Policy

	// RunTTL bounds run record retention; the reaper deletes expired
	// terminal runs.
	RunTTL time.Duration
}

// New creates the orchestrator service.
func New(cfg Config) *Service {
	ttl := cfg.RunTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Service{
		runs:         cfg.Runs,
		publisher:    cfg.Publisher,
		publishRetry: cfg.PublishRetry,
		runTTL:       ttl,
	}
}

// Register mounts the orchestrator routes.
func (s *Service) Register(e *echo.Echo, verifier httpx.TokenVerifier) {
	auth := httpx.RequireAuth(verifier)
	e.POST("/run", s.HandleCreateRun, auth)
	e.POST("/events/pubsub", s.HandleEvent, auth)
	e.GET("/runs/:id", s.HandleGetRun, auth)
}

// HandleCreateRun creates a run if one does not exist for the input
// and requests the first stage. Duplicate calls return created=false
// without mutation; if the initial stage request was lost they
// re-request it, which downstream task-name dedup absorbs.
func (s *Service) HandleCreateRun(c *echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return httpx.BadRequest("malformed create-run body")
	}
	if err := req.Input.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	ctx := c.Request().Context()
	runID := pipeline.RunID(req.Input)
	corr := httpx.CorrelationFrom(ctx)
	log := slog.With("run_id", runID, "correlation_id", corr)

	run := &pipeline.Run{
		ID:            runID,
		Input:         req.Input,
		Status:        pipeline.RunStatusRunning,
		CorrelationID: corr,
		ExpiresAt:     time.Now().UTC().Add(s.runTTL),
	}
	created, err := s.runs.CreateRun(ctx, run)
	if err != nil {
		log.Error("Run creation failed", "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "state store unavailable")
	}

	if created {
		log.Info("Run created")
	} else {
		log.Info("Run already exists")
	}

	needsKickoff := created
	if !created {
		needsKickoff, err = s.stagePending(ctx, runID, pipeline.StageTranscribe)
		if err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "state store unavailable")
		}
	}
	if needsKickoff {
		env := pipeline.NewEnvelope(
			pipeline.EventTypeFor(pipeline.StageTranscribe, pipeline.KindRequested),
			runID, pipeline.StageTranscribe, req.Input, corr)
		if err := s.publish(ctx, env); err != nil {
			log.Error("Initial stage request publish failed", "error", err)
			return echo.NewHTTPError(http.StatusServiceUnavailable, "publish failed")
		}
	}

	return c.JSON(http.StatusOK, CreateRunResponse{RunID: runID, Created: created})
}

// HandleEvent receives pushed stage lifecycle events and advances the
// state machine.
func (s *Service) HandleEvent(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return httpx.BadRequest("unreadable push body")
	}
	env, messageID, err := bus.DecodePush(body)
	if err != nil {
		slog.Warn("Rejecting malformed event push", "error", err)
		return httpx.BadRequest("malformed push envelope")
	}

	stage, kind, err := env.EventType.Split()
	if err != nil {
		return httpx.BadRequest(err.Error())
	}

	ctx := c.Request().Context()
	log := slog.With("run_id", env.RunID, "event_type", env.EventType,
		"message_id", messageID, "correlation_id", env.CorrelationID)

	switch kind {
	case pipeline.KindCompleted:
		if err := s.handleCompleted(ctx, log, env, stage); err != nil {
			return httpx.MapPipelineError(err)
		}
	case pipeline.KindFailed:
		if err := s.handleFailed(ctx, log, env, stage); err != nil {
			return httpx.MapPipelineError(err)
		}
	default:
		log.Info("Ignoring event kind not handled by the orchestrator")
	}
	return c.NoContent(http.StatusOK)
}

// HandleGetRun returns a run with its stage records.
func (s *Service) HandleGetRun(c *echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	run, err := s.runs.GetRun(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "state store unavailable")
	}
	records, err := s.runs.ListStages(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "state store unavailable")
	}

	resp := RunResponse{
		RunID:     run.ID,
		Input:     run.Input,
		Status:    run.Status,
		Outcome:   run.Outcome,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
		Stages:    make([]StageResponse, 0, len(records)),
	}
	for _, r := range records {
		resp.Stages = append(resp.Stages, StageResponse{
			Stage:     r.Stage,
			Status:    r.Status,
			Artifacts: r.Artifacts,
			Error:     r.Error,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// handleCompleted marks the stage completed and requests the next one.
// Redeliveries that find the stage already COMPLETED re-request the
// next stage only if it is still pending, so a lost request event
// cannot stall the run.
func (s *Service) handleCompleted(ctx context.Context, log *slog.Logger, env pipeline.Envelope, stage pipeline.Stage) error {
	if stage == pipeline.StageAudit {
		if pass := env.Artifacts["hipaa_pass"]; pass != "true" && pass != "false" {
			return pipeline.Permanent("audit completion missing hipaa_pass")
		}
	}

	advanced, err := s.runs.CompleteStage(ctx, env.RunID, stage, env.Artifacts)
	if errors.Is(err, state.ErrNotFound) {
		return pipeline.Permanent("no run %s", env.RunID)
	}
	if err != nil {
		return pipeline.Retryable("completing stage: %v", err)
	}
	if !advanced {
		log.Info("Stage already completed")
	}

	switch stage {
	case pipeline.StageTranscribe, pipeline.StageRedact:
		return s.requestNext(ctx, log, env, stage.Next(), advanced)
	case pipeline.StageAudit:
		if env.Artifacts["hipaa_pass"] == "false" {
			log.Info("Audit rejected run, finalizing", "outcome", pipeline.OutcomeFail)
			return s.finalize(ctx, env.RunID, pipeline.RunStatusCompleted, pipeline.OutcomeFail)
		}
		return s.requestNext(ctx, log, env, pipeline.StageSoap, advanced)
	case pipeline.StageSoap:
		log.Info("Pipeline complete", "outcome", pipeline.OutcomePass)
		return s.finalize(ctx, env.RunID, pipeline.RunStatusCompleted, pipeline.OutcomePass)
	}
	return nil
}

// handleFailed records a permanent stage failure and fails the run.
func (s *Service) handleFailed(ctx context.Context, log *slog.Logger, env pipeline.Envelope, stage pipeline.Stage) error {
	marked, err := s.runs.FailStage(ctx, env.RunID, stage, env.Error)
	if errors.Is(err, state.ErrNotFound) {
		return pipeline.Permanent("no run %s", env.RunID)
	}
	if err != nil {
		return pipeline.Retryable("failing stage: %v", err)
	}
	if marked {
		log.Warn("Stage failed, run finalized", "stage_error", env.Error)
	} else {
		log.Info("Stage failure absorbed by completed stage")
	}
	return nil
}

// requestNext publishes <next>.requested. When the completion was a
// redelivery, the request is only re-published if the next stage has
// not started producing state yet.
func (s *Service) requestNext(ctx context.Context, log *slog.Logger, env pipeline.Envelope, next pipeline.Stage, advanced bool) error {
	if !advanced {
		pending, err := s.stagePending(ctx, env.RunID, next)
		if err != nil {
			return pipeline.Retryable("checking next stage: %v", err)
		}
		if !pending {
			return nil
		}
	}

	out := pipeline.NewEnvelope(
		pipeline.EventTypeFor(next, pipeline.KindRequested),
		env.RunID, next, env.Input, env.CorrelationID)
	if err := s.publish(ctx, out); err != nil {
		return pipeline.Retryable("publishing %s: %v", out.EventType, err)
	}
	log.Info("Next stage requested", "next_stage", next)
	return nil
}

func (s *Service) finalize(ctx context.Context, runID string, status pipeline.RunStatus, outcome pipeline.RunOutcome) error {
	if err := s.runs.FinalizeRun(ctx, runID, status, outcome); err != nil {
		return pipeline.Retryable("finalizing run: %v", err)
	}
	return nil
}

// stagePending reports whether the stage record is still PENDING while
// the run itself is RUNNING.
func (s *Service) stagePending(ctx context.Context, runID string, stage pipeline.Stage) (bool, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Terminal() {
		return false, nil
	}
	rec, err := s.runs.GetStage(ctx, runID, stage)
	if err != nil {
		return false, err
	}
	return rec.Status == pipeline.StageStatusPending, nil
}

func (s *Service) publish(ctx context.Context, env pipeline.Envelope) error {
	return s.publishRetry.Do(ctx, "publish "+string(env.EventType), func(ctx context.Context) error {
		return s.publisher.Publish(ctx, env)
	})
}

// ReapExpired deletes terminal runs past their TTL deadline.
func (s *Service) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.runs.ReapExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("reaping runs: %w", err)
	}
	return n, nil
}
