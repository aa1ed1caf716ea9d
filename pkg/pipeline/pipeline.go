// Package pipeline defines the domain model shared by every ScribeFlow
// service: the fixed stage sequence, run and stage records, the event
// envelope carried on the message bus, and the two-way error taxonomy
// that distinguishes retryable from permanent failures at every boundary.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Stage identifies one step of the fixed pipeline.
type Stage string

// The pipeline stages, in execution order.
const (
	StageTranscribe Stage = "transcribe"
	StageRedact     Stage = "redact"
	StageAudit      Stage = "audit"
	StageSoap       Stage = "soap"
)

// Stages lists all stages in execution order.
var Stages = []Stage{StageTranscribe, StageRedact, StageAudit, StageSoap}

// artifactNames maps each stage to the artifact object it owns.
var artifactNames = map[Stage]string{
	StageTranscribe: "transcript",
	StageRedact:     "redacted",
	StageAudit:      "audit",
	StageSoap:       "soap-note",
}

// Valid reports whether s is one of the four pipeline stages.
func (s Stage) Valid() bool {
	_, ok := artifactNames[s]
	return ok
}

// ArtifactName returns the artifact object name owned by this stage
// (e.g. "transcript" for the transcribe stage).
func (s Stage) ArtifactName() string {
	return artifactNames[s]
}

// Next returns the stage that follows s in the pipeline, or "" if s is
// the last stage. The audit → soap edge is conditional on the audit
// outcome; that decision belongs to the orchestrator, not to this table.
func (s Stage) Next() Stage {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return ""
}

// Prev returns the stage that precedes s, or "" for the first stage.
func (s Stage) Prev() Stage {
	for i, st := range Stages {
		if st == s && i > 0 {
			return Stages[i-1]
		}
	}
	return ""
}

// ParseStage validates a stage name from configuration or the wire.
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", name)
	}
	return s, nil
}

// InputRef identifies the uploaded object a run processes.
// Generation disambiguates overwrites of the same object name.
type InputRef struct {
	Bucket     string `json:"bucket"`
	Name       string `json:"name"`
	Generation string `json:"generation"`
	SessionID  string `json:"session,omitempty"`

	// LanguageHint is an optional transcription hint carried from
	// upload metadata. Not part of run identity.
	LanguageHint string `json:"language_hint,omitempty"`
}

// Validate checks that all identity fields are present.
func (r InputRef) Validate() error {
	if r.Bucket == "" || r.Name == "" || r.Generation == "" {
		return fmt.Errorf("input ref requires bucket, name and generation")
	}
	return nil
}

// RunID derives the deterministic run identifier for an input.
// The same input tuple always yields the same id, which is what makes
// run creation at-most-once across notification redeliveries. The id
// doubles as the idempotency key and the bus ordering key.
func RunID(in InputRef) string {
	raw := fmt.Sprintf("%s/%s@%s|%s", in.Bucket, in.Name, in.Generation, in.SessionID)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ArtifactPath returns the deterministic object key for a stage's
// artifact: artifacts/<run_id>/<artifact>.json.
func ArtifactPath(runID string, stage Stage) string {
	return fmt.Sprintf("artifacts/%s/%s.json", runID, stage.ArtifactName())
}

// TaskName returns the deterministic work-item name for a stage
// execution. Duplicate enqueues of the same name are swallowed by the
// task queue, which is how redelivered stage requests collapse into a
// single execution attempt stream.
func TaskName(stage Stage, runID string) string {
	return fmt.Sprintf("%s-%s", stage, runID)
}
