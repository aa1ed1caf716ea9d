package redact

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-health/scribeflow/pkg/artifact"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

func TestMasker_Deterministic(t *testing.T) {
	m := NewMasker("salt-1")
	text := "Call me at (555) 123-4567 or email jdoe@example.com."

	first, counts := m.Mask(text)
	second, _ := m.Mask(text)
	assert.Equal(t, first, second, "same salt and text must yield identical tokens")
	assert.Equal(t, 1, counts["PHONE"])
	assert.Equal(t, 1, counts["EMAIL"])
	assert.NotContains(t, first, "555")
	assert.NotContains(t, first, "jdoe@example.com")
}

func TestMasker_SaltChangesTokens(t *testing.T) {
	text := "SSN 123-45-6789."
	a, _ := NewMasker("salt-a").Mask(text)
	b, _ := NewMasker("salt-b").Mask(text)
	assert.NotEqual(t, a, b)
}

func TestMasker_EqualSpansShareTokens(t *testing.T) {
	m := NewMasker("salt")
	masked, counts := m.Mask("Email a@b.com now, then a@b.com again.")
	assert.Equal(t, 2, counts["EMAIL"])

	fields := strings.Fields(masked)
	tokens := make([]string, 0, 2)
	for _, f := range fields {
		if strings.HasPrefix(f, "[EMAIL_") {
			tokens = append(tokens, strings.TrimRight(f, ".,"))
		}
	}
	require.Len(t, tokens, 2)
	assert.Equal(t, tokens[0], tokens[1], "identical spans must share one token")
}

func TestMasker_Entities(t *testing.T) {
	m := NewMasker("salt")
	tests := []struct {
		name   string
		text   string
		entity string
	}{
		{"address", "Lives at 892 Maple Avenue, Springfield, IL 62704 currently.", "ADDRESS"},
		{"ssn", "SSN is 123-45-6789 on file.", "SSN"},
		{"slash date", "Seen on 05/14/2025 for follow-up.", "DATE"},
		{"month date", "Admitted January 3rd, 2025 overnight.", "DATE"},
		{"url", "See https://portal.example.com/visit/9 for records.", "URL"},
		{"ip", "Logged from 10.0.0.54 remotely.", "IP"},
		{"mrn", "MRN: 88412345 per chart.", "MRN"},
		{"person", "Seen by Dr. Sarah Chen today.", "PERSON"},
		{"credit card", "Card 4111 1111 1111 1111 on record.", "CREDIT_CARD"},
		{"hyphenated age", "The 45-year-old patient presented.", "AGE"},
		{"aged phrase", "Patient aged 82 presented.", "AGE"},
		{"passport", "Passport number: 912803456 on file.", "US_PASSPORT"},
		{"medical license", "DEA registration BC1234567 verified.", "MEDICAL_LICENSE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			masked, counts := m.Mask(tt.text)
			assert.GreaterOrEqual(t, counts[tt.entity], 1, "masked: %s", masked)
			assert.Contains(t, masked, "["+tt.entity+"_")
		})
	}
}

func TestMasker_OverlappingSpansEmitOnce(t *testing.T) {
	m := NewMasker("salt")
	masked, counts := m.Mask("Records at https://clinic.example/contact?email=chen@clinic.example online.")

	assert.Equal(t, 1, counts["URL"])
	assert.Zero(t, counts["EMAIL"], "span inside an earlier one is dropped")
	assert.NotContains(t, masked, "chen@clinic.example")
	assert.Equal(t, 1, strings.Count(masked, "["), "one token per overlap group")
}

func TestMasker_AdjacentSpansBothEmitted(t *testing.T) {
	m := NewMasker("salt")
	masked, counts := m.Mask("SSN 123-45-6789 and SSN 987-65-4321 both on file.")
	assert.Equal(t, 2, counts["SSN"])
	assert.Equal(t, 2, strings.Count(masked, "[SSN_"))
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewInMemStore()
	in := pipeline.InputRef{Bucket: "b", Name: "n.wav", Generation: "1"}
	runID := pipeline.RunID(in)

	_, err := artifact.PutJSON(ctx, store, pipeline.ArtifactPath(runID, pipeline.StageTranscribe), &artifact.Transcript{
		Text: "Dr. Sarah Chen saw the patient on 05/14/2025. Reach her at chen@clinic.example.",
	})
	require.NoError(t, err)

	svc := New(store, "salt-1")
	env := pipeline.NewEnvelope(
		pipeline.EventTypeFor(pipeline.StageRedact, pipeline.KindRequested),
		runID, pipeline.StageRedact, in, "corr")

	art, summary, err := svc.Execute(ctx, env)
	require.NoError(t, err)

	redacted, ok := art.(*artifact.Redacted)
	require.True(t, ok)
	require.NoError(t, redacted.Validate())
	assert.NotContains(t, redacted.Text, "Sarah Chen")
	assert.NotContains(t, redacted.Text, "05/14/2025")
	assert.NotContains(t, redacted.Text, "chen@clinic.example")
	assert.Equal(t, "deterministic-v1", redacted.Summary.Policy)
	assert.Equal(t, "3", summary["entities_masked"])
}

func TestExecute_MissingTranscript(t *testing.T) {
	store := artifact.NewInMemStore()
	svc := New(store, "salt-1")
	in := pipeline.InputRef{Bucket: "b", Name: "n.wav", Generation: "1"}
	env := pipeline.NewEnvelope(
		pipeline.EventTypeFor(pipeline.StageRedact, pipeline.KindRequested),
		pipeline.RunID(in), pipeline.StageRedact, in, "corr")

	_, _, err := svc.Execute(context.Background(), env)
	assert.ErrorIs(t, err, artifact.ErrNotExist)
	assert.True(t, pipeline.IsPermanent(err))
	assert.False(t, pipeline.IsRetryable(err))
}
