// Package artifact defines the typed stage artifacts and the
// S3-backed store they live in. Artifacts are the only place clinical
// text is persisted; events and logs carry references.
package artifact

import (
	"fmt"
	"strings"
)

// Segment is one timed span of a transcript.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the transcribe stage's output.
type Transcript struct {
	Text        string    `json:"text"`
	Language    string    `json:"language,omitempty"`
	DurationSec float64   `json:"duration_sec,omitempty"`
	Segments    []Segment `json:"segments,omitempty"`
}

// Validate rejects transcripts no downstream stage can use.
func (t *Transcript) Validate() error {
	if strings.TrimSpace(t.Text) == "" {
		return fmt.Errorf("transcript text is empty")
	}
	return nil
}

// RedactionSummary counts what the redact stage masked, by entity
// type. Safe to carry on events and logs: it holds counts, not spans.
type RedactionSummary struct {
	Entities map[string]int `json:"entities"`
	Total    int            `json:"total"`
	Policy   string         `json:"policy"`
}

// Redacted is the redact stage's output: the masked transcript plus
// the masking summary.
type Redacted struct {
	Text    string           `json:"text"`
	Summary RedactionSummary `json:"summary"`
}

// Validate checks internal consistency of the redaction result.
func (r *Redacted) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("redacted text is empty")
	}
	total := 0
	for _, n := range r.Summary.Entities {
		total += n
	}
	if total != r.Summary.Total {
		return fmt.Errorf("redaction summary total %d does not match entity counts %d", r.Summary.Total, total)
	}
	return nil
}

// FailIdentifier is one residual identifier the audit found in text
// that should have been clean.
type FailIdentifier struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Position string `json:"position"`
}

// Audit is the compliance audit stage's output. HipaaCompliant is the
// authoritative verdict; FailIdentifiers justify a false verdict.
type Audit struct {
	HipaaCompliant  bool             `json:"hipaa_compliant"`
	FailIdentifiers []FailIdentifier `json:"fail_identifiers"`
	Comments        string           `json:"comments"`
}

// Validate enforces the audit result schema. The boolean verdict is
// authoritative, so a false verdict with an empty identifier list is
// still well formed; listed identifiers must carry all three keys.
func (a *Audit) Validate() error {
	for i, f := range a.FailIdentifiers {
		if f.Type == "" || f.Text == "" || f.Position == "" {
			return fmt.Errorf("fail identifier %d must include type, text and position", i)
		}
	}
	return nil
}

// HipaaPass is the one-word audit outcome carried on the completion
// event so the orchestrator can branch without fetching the artifact.
func (a *Audit) HipaaPass() string {
	if a.HipaaCompliant {
		return "true"
	}
	return "false"
}

// soapHeadings are the four sections every SOAP note must contain, in
// the order they must appear.
var soapHeadings = []string{"Subjective:", "Objective:", "Assessment:", "Plan:"}

// SoapNoteOpenTag and SoapNoteCloseTag delimit the note body. The
// stored note keeps them verbatim.
const (
	SoapNoteOpenTag  = "<soap_note>"
	SoapNoteCloseTag = "</soap_note>"
)

// SoapNote is the final stage's output. Note is the model's note
// string stored verbatim, delimiters included.
type SoapNote struct {
	Note string `json:"soap_note"`
}

// Validate checks the delimiters and that the note carries all four
// SOAP sections in order.
func (n *SoapNote) Validate() error {
	if strings.TrimSpace(n.Note) == "" {
		return fmt.Errorf("soap note is empty")
	}
	openIdx := strings.Index(n.Note, SoapNoteOpenTag)
	closeIdx := strings.LastIndex(n.Note, SoapNoteCloseTag)
	if openIdx < 0 || closeIdx < 0 || closeIdx <= openIdx {
		return fmt.Errorf("soap note missing %s delimiters", SoapNoteOpenTag)
	}
	body := n.Note[openIdx+len(SoapNoteOpenTag) : closeIdx]
	prev := -1
	for _, h := range soapHeadings {
		idx := strings.Index(body, h)
		if idx < 0 {
			return fmt.Errorf("soap note missing %q section", strings.TrimSuffix(h, ":"))
		}
		if idx < prev {
			return fmt.Errorf("soap note %q section out of order", strings.TrimSuffix(h, ":"))
		}
		prev = idx
	}
	return nil
}
