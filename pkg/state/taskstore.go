package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

// Task statuses.
const (
	TaskStatusPending    = "pending"
	TaskStatusRunning    = "running"
	TaskStatusDone       = "done"
	TaskStatusDeadLetter = "dead_letter"
)

// Task is one stage execution attempt stream. The unique name is the
// deterministic pipeline.TaskName, so redelivered stage requests
// collapse into a single task row.
type Task struct {
	ID            int64
	Name          string
	Stage         pipeline.Stage
	RunID         string
	Payload       []byte
	Status        string
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     string
}

// TaskStore is the PostgreSQL-backed task queue the stage workers
// drain. Claims use FOR UPDATE SKIP LOCKED so multiple worker
// processes can poll the same stage without contention.
type TaskStore struct {
	db *sql.DB
}

// Enqueue inserts a task unless one with the same name already exists.
// Returns whether a new task was created.
func (s *TaskStore) Enqueue(ctx context.Context, name string, stage pipeline.Stage, runID string, payload []byte, maxAttempts int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (name, stage, run_id, payload, max_attempts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO NOTHING`,
		name, string(stage), runID, payload, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("enqueue task: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue task: %w", err)
	}
	return inserted > 0, nil
}

// ClaimNext claims the oldest due task for the stage, or returns
// (nil, nil) when the queue is empty. The claim increments the attempt
// counter and marks the row running under the worker's id.
func (s *TaskStore) ClaimNext(ctx context.Context, stage pipeline.Stage, workerID string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, name, stage, run_id, payload, status, attempts, max_attempts, next_attempt_at, last_error
		FROM tasks
		WHERE stage = $1 AND status = $2 AND next_attempt_at <= now()
		ORDER BY next_attempt_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		string(stage), TaskStatusPending)

	var t Task
	err = row.Scan(&t.ID, &t.Name, &t.Stage, &t.RunID, &t.Payload, &t.Status,
		&t.Attempts, &t.MaxAttempts, &t.NextAttemptAt, &t.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	t.Attempts++
	t.Status = TaskStatusRunning
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, attempts = $3, locked_by = $4, locked_at = now(), updated_at = now()
		WHERE id = $1`,
		t.ID, TaskStatusRunning, t.Attempts, workerID); err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &t, nil
}

// MarkDone finishes a task.
func (s *TaskStore) MarkDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $2, last_error = '', updated_at = now() WHERE id = $1`,
		id, TaskStatusDone)
	if err != nil {
		return fmt.Errorf("mark task done: %w", err)
	}
	return nil
}

// Reschedule returns a task to the queue after a transient failure.
func (s *TaskStore) Reschedule(ctx context.Context, id int64, delay time.Duration, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, next_attempt_at = now() + $3::interval, last_error = $4,
		    locked_by = '', locked_at = NULL, updated_at = now()
		WHERE id = $1`,
		id, TaskStatusPending, fmt.Sprintf("%f seconds", delay.Seconds()), cause)
	if err != nil {
		return fmt.Errorf("reschedule task: %w", err)
	}
	return nil
}

// DeadLetter parks a task that failed permanently or ran out of
// attempts. Dead-lettered tasks are kept for inspection, not retried.
func (s *TaskStore) DeadLetter(ctx context.Context, id int64, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $2, last_error = $3, updated_at = now() WHERE id = $1`,
		id, TaskStatusDeadLetter, cause)
	if err != nil {
		return fmt.Errorf("dead-letter task: %w", err)
	}
	return nil
}

// RecoverStale returns running tasks whose lock is older than the
// cutoff to the queue. Covers workers that died mid-execution; the
// artifact short-circuit makes the re-run cheap when the work finished.
func (s *TaskStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, locked_by = '', locked_at = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < now() - $3::interval`,
		TaskStatusPending, TaskStatusRunning, fmt.Sprintf("%f seconds", olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	return res.RowsAffected()
}

// Get loads a task by name.
func (s *TaskStore) Get(ctx context.Context, name string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, stage, run_id, payload, status, attempts, max_attempts, next_attempt_at, last_error
		FROM tasks WHERE name = $1`, name)

	var t Task
	err := row.Scan(&t.ID, &t.Name, &t.Stage, &t.RunID, &t.Payload, &t.Status,
		&t.Attempts, &t.MaxAttempts, &t.NextAttemptAt, &t.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return &t, nil
}
