// Package soapnote generates the final SOAP note from the redacted
// transcript. It only runs for runs whose audit verdict passed.
package soapnote

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

const soapTemperature = 0.4

// Service is the SOAP stage executor.
type Service struct {
	store    artifact.Store
	chat     stages.ChatClient
	model    string
	jsonMode bool
}

// New creates the SOAP executor. jsonMode requests response_format
// json_object from backends that support it.
func New(store artifact.Store, chat stages.ChatClient, model string, jsonMode bool) *Service {
	return &Service{store: store, chat: chat, model: model, jsonMode: jsonMode}
}

// Stage implements stages.Executor.
func (s *Service) Stage() pipeline.Stage {
	return pipeline.StageSoap
}

// Execute loads the redacted transcript and generates the note.
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
		Temperature: soapTemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: redacted.Text},
		},
	}
	if s.jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := s.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, nil, stages.ClassifyModelError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil, pipeline.Permanent("soap model returned no choices")
	}

	note, err := parseNote(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("SOAP note generated",
		"run_id", env.RunID,
		"latency_ms", stages.LatencyMS(start),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"note", pipeline.Preview(note.Note))

	return note, nil, nil
}

// parseNote enforces the response contract: a JSON object whose
// soap_note value is wrapped in <soap_note> tags and carries all four
// section headings in order. The note string is stored verbatim,
// delimiters included.
func parseNote(content string) (*artifact.SoapNote, error) {
	var payload struct {
		SoapNote string `json:"soap_note"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &payload); err != nil {
		return nil, pipeline.Permanent("non-JSON soap response: %v", err)
	}
	if payload.SoapNote == "" {
		return nil, pipeline.Permanent("soap response missing required key 'soap_note'")
	}

	note := &artifact.SoapNote{Note: strings.TrimSpace(payload.SoapNote)}
	if err := note.Validate(); err != nil {
		return nil, pipeline.Permanent("soap note: %v", err)
	}
	return note, nil
}
