package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

func startSpan(ctx context.Context, name, runID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{attribute.String("pipeline.run_id", runID)}, attrs...)
	return otel.Tracer("scribeflow/state").Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunStore persists runs and their per-stage records. All mutations
// run in transactions so that concurrent event deliveries observe a
// consistent picture; the COMPLETED stage status is absorbing.
type RunStore struct {
	db *sql.DB
}

// CreateRun inserts the run and its four pending stage records if no
// run with the same id exists yet. Returns whether this call created
// the run; a false return is the duplicate-notification no-op.
func (s *RunStore) CreateRun(ctx context.Context, run *pipeline.Run) (created bool, err error) {
	ctx, span := startSpan(ctx, "state.create_run", run.ID)
	defer func() { endSpan(span, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin create run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, bucket, object_name, generation, session_id, language_hint, status, correlation_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, run.Input.Bucket, run.Input.Name, run.Input.Generation,
		run.Input.SessionID, run.Input.LanguageHint,
		string(pipeline.RunStatusRunning), run.CorrelationID, run.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}
	if inserted == 0 {
		return false, tx.Commit()
	}

	for _, stage := range pipeline.Stages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_stages (run_id, stage, status) VALUES ($1, $2, $3)`,
			run.ID, string(stage), string(pipeline.StageStatusPending)); err != nil {
			return false, fmt.Errorf("insert stage record %s: %w", stage, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit create run: %w", err)
	}
	return true, nil
}

// GetRun loads a run by id.
func (s *RunStore) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bucket, object_name, generation, session_id, language_hint,
		       status, outcome, correlation_id, created_at, updated_at, COALESCE(expires_at, 'epoch'::timestamptz)
		FROM runs WHERE id = $1`, id)

	var run pipeline.Run
	err := row.Scan(&run.ID, &run.Input.Bucket, &run.Input.Name, &run.Input.Generation,
		&run.Input.SessionID, &run.Input.LanguageHint,
		&run.Status, &run.Outcome, &run.CorrelationID,
		&run.CreatedAt, &run.UpdatedAt, &run.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	return &run, nil
}

// GetStage loads one stage record.
func (s *RunStore) GetStage(ctx context.Context, runID string, stage pipeline.Stage) (*pipeline.StageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, stage, status, artifacts, error, updated_at
		FROM run_stages WHERE run_id = $1 AND stage = $2`, runID, string(stage))
	return scanStage(row)
}

// ListStages returns the run's stage records in pipeline order.
func (s *RunStore) ListStages(ctx context.Context, runID string) ([]pipeline.StageRecord, error) {
	out := make([]pipeline.StageRecord, 0, len(pipeline.Stages))
	for _, stage := range pipeline.Stages {
		rec, err := s.GetStage(ctx, runID, stage)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// CompleteStage marks the stage COMPLETED with its artifact references.
// Returns whether this call performed the transition: false means the
// stage was already COMPLETED and the caller must not re-advance the
// pipeline. Redelivered completion events collapse here.
func (s *RunStore) CompleteStage(ctx context.Context, runID string, stage pipeline.Stage, artifacts map[string]string) (applied bool, err error) {
	ctx, span := startSpan(ctx, "state.complete_stage", runID,
		attribute.String("pipeline.stage", string(stage)))
	defer func() { endSpan(span, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin complete stage: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status, err := lockStage(ctx, tx, runID, stage)
	if err != nil {
		return false, err
	}
	if status == pipeline.StageStatusCompleted {
		return false, tx.Commit()
	}

	encoded, err := json.Marshal(artifacts)
	if err != nil {
		return false, fmt.Errorf("encode stage artifacts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE run_stages SET status = $3, artifacts = $4, error = '', updated_at = now()
		WHERE run_id = $1 AND stage = $2`,
		runID, string(stage), string(pipeline.StageStatusCompleted), encoded); err != nil {
		return false, fmt.Errorf("complete stage: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET updated_at = now() WHERE id = $1`, runID); err != nil {
		return false, fmt.Errorf("touch run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit complete stage: %w", err)
	}
	return true, nil
}

// FailStage marks the stage FAILED and the run FAILED. A stage that
// already reached COMPLETED stays COMPLETED: a late failure event for
// a finished stage is a redelivery artifact, not a real failure.
func (s *RunStore) FailStage(ctx context.Context, runID string, stage pipeline.Stage, stageErr string) (applied bool, err error) {
	ctx, span := startSpan(ctx, "state.fail_stage", runID,
		attribute.String("pipeline.stage", string(stage)))
	defer func() { endSpan(span, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin fail stage: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status, err := lockStage(ctx, tx, runID, stage)
	if err != nil {
		return false, err
	}
	if status == pipeline.StageStatusCompleted {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE run_stages SET status = $3, error = $4, updated_at = now()
		WHERE run_id = $1 AND stage = $2`,
		runID, string(stage), string(pipeline.StageStatusFailed), stageErr); err != nil {
		return false, fmt.Errorf("fail stage: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3`,
		runID, string(pipeline.RunStatusFailed), string(pipeline.RunStatusRunning)); err != nil {
		return false, fmt.Errorf("fail run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit fail stage: %w", err)
	}
	return true, nil
}

// FinalizeRun moves a running run to its terminal status and outcome.
// Terminal runs are left untouched, which makes finalization idempotent.
func (s *RunStore) FinalizeRun(ctx context.Context, runID string, status pipeline.RunStatus, outcome pipeline.RunOutcome) (err error) {
	ctx, span := startSpan(ctx, "state.finalize_run", runID,
		attribute.String("pipeline.outcome", string(outcome)))
	defer func() { endSpan(span, err) }()

	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, outcome = $3, updated_at = now()
		WHERE id = $1 AND status = $4`,
		runID, string(status), string(outcome), string(pipeline.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return nil
}

// ReapExpired deletes terminal runs past their retention deadline.
func (s *RunStore) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE expires_at IS NOT NULL AND expires_at < $1 AND status <> $2`,
		now, string(pipeline.RunStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("reap expired runs: %w", err)
	}
	return res.RowsAffected()
}

func lockStage(ctx context.Context, tx *sql.Tx, runID string, stage pipeline.Stage) (pipeline.StageStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `
		SELECT status FROM run_stages WHERE run_id = $1 AND stage = $2 FOR UPDATE`,
		runID, string(stage)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lock stage record: %w", err)
	}
	return pipeline.StageStatus(status), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStage(row rowScanner) (*pipeline.StageRecord, error) {
	var rec pipeline.StageRecord
	var artifacts []byte
	err := row.Scan(&rec.RunID, &rec.Stage, &rec.Status, &artifacts, &rec.Error, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load stage record: %w", err)
	}
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &rec.Artifacts); err != nil {
			return nil, fmt.Errorf("decode stage artifacts: %w", err)
		}
	}
	return &rec, nil
}
