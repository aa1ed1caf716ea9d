package config

import (
	"time"

	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

// ArtifactSettings configure the S3-compatible artifact store.
// Each stage writes to its own bucket; unset stage buckets fall back
// to the default bucket.
type ArtifactSettings struct {
	Endpoint     string
	Region       string
	Bucket       string
	StageBuckets map[pipeline.Stage]string
	PathStyle    bool
}

// BucketFor returns the artifact bucket for a stage.
func (a ArtifactSettings) BucketFor(stage pipeline.Stage) string {
	if b, ok := a.StageBuckets[stage]; ok && b != "" {
		return b
	}
	return a.Bucket
}

func loadArtifact(e *env) ArtifactSettings {
	return ArtifactSettings{
		Endpoint: e.Get("ARTIFACT_S3_ENDPOINT", ""),
		Region:   e.Get("ARTIFACT_S3_REGION", "us-east-1"),
		Bucket:   e.Require("ARTIFACT_BUCKET"),
		StageBuckets: map[pipeline.Stage]string{
			pipeline.StageTranscribe: e.Get("TRANSCRIBE_ARTIFACT_BUCKET", ""),
			pipeline.StageRedact:     e.Get("REDACT_ARTIFACT_BUCKET", ""),
			pipeline.StageAudit:      e.Get("AUDIT_ARTIFACT_BUCKET", ""),
			pipeline.StageSoap:       e.Get("SOAP_ARTIFACT_BUCKET", ""),
		},
		PathStyle: e.Bool("ARTIFACT_S3_PATH_STYLE", true),
	}
}

// Ingest is the ingestion gateway configuration.
type Ingest struct {
	HTTPPort        string
	OrchestratorURL string

	// OrchConcurrency caps concurrent orchestrator calls per instance.
	OrchConcurrency int
	OrchTimeout     time.Duration
	OrchRetry       RetrySettings

	// IdemTTLDays bounds how long ingestion records are kept before
	// they may be reaped.
	IdemTTLDays int

	Auth     AuthSettings
	Postgres PostgresSettings
}

// LoadIngest reads the ingestion gateway settings from the environment.
func LoadIngest() (*Ingest, error) {
	e := &env{}
	cfg := &Ingest{
		HTTPPort:        e.Get("HTTP_PORT", "8080"),
		OrchestratorURL: e.Require("ORCHESTRATOR_URL"),
		OrchConcurrency: e.Int("ORCH_CONCURRENCY", 64),
		OrchTimeout:     e.Duration("ORCH_TIMEOUT", 120*time.Second),
		OrchRetry:       loadRetry(e, "ORCH"),
		IdemTTLDays:     e.Int("IDEM_TTL_DAYS", 14),
		Auth:            loadAuth(e, true),
		Postgres:        loadPostgres(e),
	}
	return cfg, e.Err()
}

// Orchestrator is the workflow controller configuration.
type Orchestrator struct {
	HTTPPort string
	Bus      BusSettings
	Auth     AuthSettings
	Postgres PostgresSettings

	// RunTTLDays bounds run record retention.
	RunTTLDays int
}

// LoadOrchestrator reads the orchestrator settings from the environment.
func LoadOrchestrator() (*Orchestrator, error) {
	e := &env{}
	cfg := &Orchestrator{
		HTTPPort:   e.Get("HTTP_PORT", "8080"),
		Bus:        loadBus(e),
		Auth:       loadAuth(e, true),
		Postgres:   loadPostgres(e),
		RunTTLDays: e.Int("RUN_TTL_DAYS", 30),
	}
	if cfg.Bus.ConsumerGroup == "" {
		cfg.Bus.ConsumerGroup = "orchestrator"
	}
	return cfg, e.Err()
}

// ModelSettings point a stage at its model endpoint. Audit and SOAP
// talk to an OpenAI-compatible chat endpoint; transcribe talks to a
// whisper-compatible transcription endpoint.
type ModelSettings struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Worker is the stage worker configuration. One worker process serves
// exactly one stage, selected at startup.
type Worker struct {
	Stage    pipeline.Stage
	HTTPPort string

	// WorkerURL is this worker's externally reachable base URL; the
	// task queue dispatches executor calls to it.
	WorkerURL string

	// StageTimeout bounds one task execution end to end.
	StageTimeout time.Duration

	Bus      BusSettings
	Auth     AuthSettings
	Postgres PostgresSettings
	Artifact ArtifactSettings
	Model    ModelSettings

	// Queue dispatch knobs.
	QueueWorkers      int
	QueuePollInterval time.Duration
	QueuePollJitter   time.Duration
	QueueMaxAttempts  int
	PublishRetry      RetrySettings

	// RedactionSalt keys deterministic masking tokens. Treated as part
	// of the system identity: rotating it changes every token.
	RedactionSalt string
}

// LoadWorker reads the stage worker settings from the environment.
func LoadWorker(stageName string) (*Worker, error) {
	e := &env{}
	stage, err := pipeline.ParseStage(stageName)
	if err != nil {
		return nil, err
	}

	defaultTimeout := 60 * time.Second
	if stage == pipeline.StageTranscribe {
		defaultTimeout = 10 * time.Minute
	}

	cfg := &Worker{
		Stage:        stage,
		HTTPPort:     e.Get("HTTP_PORT", "8080"),
		WorkerURL:    e.Require("WORKER_URL"),
		StageTimeout: e.Duration("STAGE_TIMEOUT", defaultTimeout),
		Bus:          loadBus(e),
		Auth:         loadAuth(e, true),
		Postgres:     loadPostgres(e),
		Artifact:     loadArtifact(e),
		Model: ModelSettings{
			BaseURL: e.Get("MODEL_BASE_URL", ""),
			APIKey:  e.Get("MODEL_API_KEY", "unused"),
			Model:   e.Get("MODEL_NAME", ""),
			Timeout: e.Duration("MODEL_TIMEOUT", defaultTimeout),
		},
		QueueWorkers:      e.Int("QUEUE_WORKERS", 4),
		QueuePollInterval: e.Duration("QUEUE_POLL_INTERVAL", time.Second),
		QueuePollJitter:   e.Duration("QUEUE_POLL_JITTER", 500*time.Millisecond),
		QueueMaxAttempts:  e.Int("QUEUE_MAX_ATTEMPTS", 8),
		PublishRetry:      loadRetry(e, "PUBLISH"),
		RedactionSalt:     e.Get("REDACTION_SALT", ""),
	}
	if cfg.Bus.ConsumerGroup == "" {
		cfg.Bus.ConsumerGroup = "worker-" + string(stage)
	}
	if stage == pipeline.StageRedact && cfg.RedactionSalt == "" {
		e.Require("REDACTION_SALT")
	}
	if (stage == pipeline.StageAudit || stage == pipeline.StageSoap || stage == pipeline.StageTranscribe) && cfg.Model.BaseURL == "" {
		e.Require("MODEL_BASE_URL")
	}
	return cfg, e.Err()
}
