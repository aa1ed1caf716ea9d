// Package stages defines the stage execution contract and the shared
// model-client plumbing. Each concrete stage lives in its own
// subpackage; the worker runtime drives them through Executor.
package stages

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aurelia-health/scribeflow/pkg/config"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

// Executor runs one stage for one run. The returned artifact value is
// persisted by the worker runtime under the stage's deterministic
// path; the summary rides on the completion event (small strings only,
// never clinical text).
type Executor interface {
	Stage() pipeline.Stage
	Execute(ctx context.Context, env pipeline.Envelope) (artifact any, summary map[string]string, err error)
}

// ChatClient captures the subset of the go-openai client the chat
// stages use. Tests inject fakes through it.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// TranscriptionClient captures the transcription subset of the
// go-openai client (whisper-compatible endpoints).
type TranscriptionClient interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (
		openai.AudioResponse, error)
}

// NewOpenAIClient builds a go-openai client against the configured
// OpenAI-compatible endpoint.
func NewOpenAIClient(cfg config.ModelSettings) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return openai.NewClientWithConfig(clientCfg)
}

// ClassifyModelError maps a model-call failure into the pipeline
// taxonomy: timeouts, rate limits and upstream 5xx retry; other API
// errors are permanent; anything unknown retries.
func ClassifyModelError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
			return pipeline.Retryable("model error %d: %v", apiErr.HTTPStatusCode, err)
		}
		return pipeline.Permanent("model error %d: %v", apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500 {
			return pipeline.Retryable("model request error %d: %v", reqErr.HTTPStatusCode, err)
		}
		return pipeline.Permanent("model request error %d: %v", reqErr.HTTPStatusCode, err)
	}
	return pipeline.Classify(err)
}

// LatencyMS is a logging helper for model call durations.
func LatencyMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
