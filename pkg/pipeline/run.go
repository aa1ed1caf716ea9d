package pipeline

import "time"

// RunStatus is the lifecycle status of a run document.
type RunStatus string

// Run statuses. A run is terminal once COMPLETED or FAILED.
const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// RunOutcome is the user-visible result of a completed run.
type RunOutcome string

// Run outcomes. Empty until the run completes.
const (
	OutcomePass RunOutcome = "PASS"
	OutcomeFail RunOutcome = "FAIL"
)

// Run is the unit of work: one end-to-end pipeline execution for a
// single uploaded object. Created by the ingestion gateway, mutated
// only by the orchestrator.
type Run struct {
	ID            string
	Input         InputRef
	Status        RunStatus
	Outcome       RunOutcome
	CorrelationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// StageStatus is the lifecycle status of a per-run stage record.
type StageStatus string

// Stage record statuses. COMPLETED is absorbing: no transition may
// leave it, and handlers observing it must no-op.
const (
	StageStatusPending   StageStatus = "PENDING"
	StageStatusCompleted StageStatus = "COMPLETED"
	StageStatusFailed    StageStatus = "FAILED"
)

// StageRecord is the orchestrator's bookkeeping for one (run, stage).
type StageRecord struct {
	RunID     string
	Stage     Stage
	Status    StageStatus
	Artifacts map[string]string
	Error     string
	UpdatedAt time.Time
}

// IngestStatus is the lifecycle status of an ingestion idempotency record.
type IngestStatus string

// Ingestion record statuses. PROCESSING, DONE and FAILED_PERMANENT all
// short-circuit duplicate notifications; only FAILED_TRANSIENT permits
// another attempt.
const (
	IngestProcessing      IngestStatus = "PROCESSING"
	IngestDone            IngestStatus = "DONE"
	IngestFailedTransient IngestStatus = "FAILED_TRANSIENT"
	IngestFailedPermanent IngestStatus = "FAILED_PERMANENT"
)

// IngestRecord tracks one input tuple through the ingestion gateway.
// Keyed by the hashed input tuple (the run id).
type IngestRecord struct {
	Key          string
	Input        InputRef
	Status       IngestStatus
	AttemptCount int
	DurationMS   int64
	FinalOutcome string
	LastError    string
	FirstSeen    time.Time
	LastUpdated  time.Time
	ExpiresAt    time.Time
}
