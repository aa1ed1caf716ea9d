// Package redact masks personal identifiers in transcripts with
// deterministic tokens. The same span under the same salt always
// yields the same token, so re-executions produce byte-identical
// artifacts and equal spans stay correlatable after masking.
package redact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/aurelia-health/scribeflow/pkg/artifact"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

// policyName identifies the masking rule set recorded on artifacts.
const policyName = "deterministic-v1"

// Masker replaces recognized identifier spans with salted tokens.
type Masker struct {
	salt string
}

// NewMasker creates a masker. The salt is part of the system identity:
// rotating it changes every token.
func NewMasker(salt string) *Masker {
	return &Masker{salt: salt}
}

// span is one detected identifier occurrence.
type span struct {
	entity     string
	start, end int
}

// Mask replaces every recognized span with its token and returns the
// masked text plus per-entity counts. Overlapping detections resolve
// left to right: the earliest span wins, a longer match breaks a
// start-position tie, and spans inside an emitted one are dropped, so
// each overlap group yields exactly one token.
func (m *Masker) Mask(text string) (string, map[string]int) {
	var spans []span
	for _, rec := range recognizers {
		for _, loc := range rec.regex.FindAllStringIndex(text, -1) {
			spans = append(spans, span{rec.entity, loc[0], loc[1]})
		}
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	counts := make(map[string]int)
	var b strings.Builder
	last := 0
	for _, sp := range spans {
		if sp.start < last {
			continue
		}
		b.WriteString(text[last:sp.start])
		b.WriteString(m.token(sp.entity, text[sp.start:sp.end]))
		counts[sp.entity]++
		last = sp.end
	}
	b.WriteString(text[last:])
	return b.String(), counts
}

// token renders the deterministic replacement for one span:
// [<TYPE>_<first 8 hex of sha256(salt||span)>].
func (m *Masker) token(entity, span string) string {
	sum := sha256.Sum256([]byte(m.salt + span))
	return fmt.Sprintf("[%s_%s]", entity, hex.EncodeToString(sum[:])[:8])
}

// Service is the redact stage executor.
type Service struct {
	store  artifact.Store
	masker *Masker
}

// New creates the redact executor reading transcripts from store.
func New(store artifact.Store, salt string) *Service {
	return &Service{store: store, masker: NewMasker(salt)}
}

// Stage implements stages.Executor.
func (s *Service) Stage() pipeline.Stage {
	return pipeline.StageRedact
}

// Execute loads the run's transcript and masks it.
func (s *Service) Execute(ctx context.Context, env pipeline.Envelope) (any, map[string]string, error) {
	var transcript artifact.Transcript
	key := pipeline.ArtifactPath(env.RunID, pipeline.StageTranscribe)
	if err := artifact.GetJSON(ctx, s.store, key, &transcript); err != nil {
		return nil, nil, fmt.Errorf("loading transcript: %w", err)
	}
	if err := transcript.Validate(); err != nil {
		return nil, nil, pipeline.Permanent("transcript artifact: %v", err)
	}

	maskedText, counts := s.masker.Mask(transcript.Text)
	total := 0
	for _, n := range counts {
		total += n
	}

	redacted := &artifact.Redacted{
		Text: maskedText,
		Summary: artifact.RedactionSummary{
			Entities: counts,
			Total:    total,
			Policy:   policyName,
		},
	}
	if err := redacted.Validate(); err != nil {
		return nil, nil, pipeline.Permanent("redaction result: %v", err)
	}

	slog.Info("Redaction complete",
		"run_id", env.RunID,
		"entities_masked", total,
		"policy", policyName,
		"text", pipeline.Preview(maskedText))

	summary := map[string]string{
		"entities_masked": strconv.Itoa(total),
		"policy":          policyName,
	}
	return redacted, summary, nil
}
