// Package audit verifies a redacted transcript against the HIPAA Safe
// Harbor standard using a chat model and emits the authoritative
// compliance verdict for the run.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aurelia-health/scribeflow/pkg/artifact"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
	"github.com/aurelia-health/scribeflow/pkg/stages"
)

const auditTemperature = 0.4

// Service is the audit stage executor.
type Service struct {
	store artifact.Store
	chat  stages.ChatClient
	model string
}

// New creates the audit executor.
func New(store artifact.Store, chat stages.ChatClient, model string) *Service {
	return &Service{store: store, chat: chat, model: model}
}

// Stage implements stages.Executor.
func (s *Service) Stage() pipeline.Stage {
	return pipeline.StageAudit
}

// Execute loads the redacted transcript, asks the model for a strict
// JSON verdict and validates the response schema. A response that is
// not the expected JSON is permanent: the same prompt would fail the
// same way on redelivery.
func (s *Service) Execute(ctx context.Context, env pipeline.Envelope) (any, map[string]string, error) {
	var redacted artifact.Redacted
	key := pipeline.ArtifactPath(env.RunID, pipeline.StageRedact)
	if err := artifact.GetJSON(ctx, s.store, key, &redacted); err != nil {
		return nil, nil, fmt.Errorf("loading redacted transcript: %w", err)
	}
	if strings.TrimSpace(redacted.Text) == "" {
		return nil, nil, pipeline.Permanent("redacted transcript is empty")
	}

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: auditTemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: redacted.Text},
		},
	}

	// A schema-violating response gets one fresh model call before the
	// failure is treated as permanent.
	start := time.Now()
	var resp openai.ChatCompletionResponse
	var verdict *artifact.Audit
	for attempt := 0; ; attempt++ {
		var err error
		resp, err = s.chat.CreateChatCompletion(ctx, req)
		if err != nil {
			return nil, nil, stages.ClassifyModelError(err)
		}
		if len(resp.Choices) == 0 {
			return nil, nil, pipeline.Permanent("audit model returned no choices")
		}
		verdict, err = parseVerdict(resp.Choices[0].Message.Content)
		if err == nil {
			break
		}
		if attempt > 0 {
			return nil, nil, err
		}
		slog.Warn("Audit response failed schema check, retrying once",
			"run_id", env.RunID, "error", err)
	}

	slog.Info("Audit complete",
		"run_id", env.RunID,
		"hipaa_compliant", verdict.HipaaCompliant,
		"fail_identifiers", len(verdict.FailIdentifiers),
		"latency_ms", stages.LatencyMS(start),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	summary := map[string]string{"hipaa_pass": verdict.HipaaPass()}
	return verdict, summary, nil
}

// parseVerdict enforces the audit response schema: all three keys
// present with the right types.
func parseVerdict(content string) (*artifact.Audit, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return nil, pipeline.Permanent("non-JSON audit response: %v", err)
	}
	for _, k := range []string{"hipaa_compliant", "fail_identifiers", "comments"} {
		if _, ok := raw[k]; !ok {
			return nil, pipeline.Permanent("audit response missing key %q", k)
		}
	}

	var verdict artifact.Audit
	if err := json.Unmarshal(raw["hipaa_compliant"], &verdict.HipaaCompliant); err != nil {
		return nil, pipeline.Permanent("hipaa_compliant must be boolean: %v", err)
	}
	if err := json.Unmarshal(raw["fail_identifiers"], &verdict.FailIdentifiers); err != nil {
		return nil, pipeline.Permanent("fail_identifiers must be an array of identifiers: %v", err)
	}
	if err := json.Unmarshal(raw["comments"], &verdict.Comments); err != nil {
		return nil, pipeline.Permanent("comments must be a string: %v", err)
	}
	if err := verdict.Validate(); err != nil {
		return nil, pipeline.Permanent("audit verdict: %v", err)
	}
	return &verdict, nil
}
