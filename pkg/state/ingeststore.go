package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

// IngestStore persists the ingestion gateway's idempotency records.
// The record key is the run id, so one record tracks one input tuple
// across every notification redelivery.
type IngestStore struct {
	db *sql.DB
}

// CheckAndMark atomically decides whether this delivery should be
// processed. A missing record is created as PROCESSING; a transient
// failure is re-opened with attempt_count+1; every other status means
// another delivery already owns or finished this input and the caller
// must ack without side effects.
func (s *IngestStore) CheckAndMark(ctx context.Context, in pipeline.InputRef, key string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin check-and-mark: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM ingestions WHERE key = $1 FOR UPDATE`, key).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ingestions (key, bucket, object_name, generation, session_id, status, attempt_count, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7)`,
			key, in.Bucket, in.Name, in.Generation, in.SessionID,
			string(pipeline.IngestProcessing), time.Now().UTC().Add(ttl)); err != nil {
			return false, fmt.Errorf("insert ingestion record: %w", err)
		}
		return true, tx.Commit()
	case err != nil:
		return false, fmt.Errorf("lock ingestion record: %w", err)
	}

	if pipeline.IngestStatus(status) != pipeline.IngestFailedTransient {
		// PROCESSING, DONE and FAILED_PERMANENT all swallow duplicates.
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ingestions
		SET status = $2, attempt_count = attempt_count + 1, last_updated = now()
		WHERE key = $1`,
		key, string(pipeline.IngestProcessing)); err != nil {
		return false, fmt.Errorf("reopen ingestion record: %w", err)
	}
	return true, tx.Commit()
}

// MarkDone records a successful hand-off to the orchestrator.
func (s *IngestStore) MarkDone(ctx context.Context, key string, duration time.Duration, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingestions
		SET status = $2, duration_ms = $3, final_outcome = $4, last_error = '', last_updated = now()
		WHERE key = $1`,
		key, string(pipeline.IngestDone), duration.Milliseconds(), outcome)
	if err != nil {
		return fmt.Errorf("mark ingestion done: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. Transient failures stay
// retryable on the next delivery; permanent ones swallow all future
// deliveries of this input.
func (s *IngestStore) MarkFailed(ctx context.Context, key string, transient bool, cause string, duration time.Duration) error {
	status := pipeline.IngestFailedPermanent
	if transient {
		status = pipeline.IngestFailedTransient
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingestions
		SET status = $2, duration_ms = $3, last_error = $4, last_updated = now()
		WHERE key = $1`,
		key, string(status), duration.Milliseconds(), cause)
	if err != nil {
		return fmt.Errorf("mark ingestion failed: %w", err)
	}
	return nil
}

// Get loads one ingestion record.
func (s *IngestStore) Get(ctx context.Context, key string) (*pipeline.IngestRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, bucket, object_name, generation, session_id, status,
		       attempt_count, duration_ms, final_outcome, last_error,
		       first_seen, last_updated, expires_at
		FROM ingestions WHERE key = $1`, key)

	var rec pipeline.IngestRecord
	err := row.Scan(&rec.Key, &rec.Input.Bucket, &rec.Input.Name, &rec.Input.Generation,
		&rec.Input.SessionID, &rec.Status, &rec.AttemptCount, &rec.DurationMS,
		&rec.FinalOutcome, &rec.LastError, &rec.FirstSeen, &rec.LastUpdated, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ingestion record: %w", err)
	}
	return &rec, nil
}

// ReapExpired deletes records past their idempotency TTL. Reaping a
// record re-opens that input for ingestion, which is the intended
// bound on how long duplicates are remembered.
func (s *IngestStore) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ingestions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("reap expired ingestions: %w", err)
	}
	return res.RowsAffected()
}
