// Package transcribe converts an uploaded audio object into a
// transcript artifact via a whisper-compatible transcription endpoint.
package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aurelia-health/scribeflow/pkg/artifact"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
	"github.com/aurelia-health/scribeflow/pkg/stages"
)

// Service is the transcribe stage executor.
type Service struct {
	model   stages.TranscriptionClient
	fetcher artifact.ObjectFetcher
	name    string
}

// New creates the transcribe executor. name is the model identifier
// sent to the endpoint (e.g. "whisper-1").
func New(model stages.TranscriptionClient, fetcher artifact.ObjectFetcher, name string) *Service {
	return &Service{model: model, fetcher: fetcher, name: name}
}

// Stage implements stages.Executor.
func (s *Service) Stage() pipeline.Stage {
	return pipeline.StageTranscribe
}

// Execute downloads the audio object and transcribes it. The language
// hint from upload metadata is forwarded when present.
func (s *Service) Execute(ctx context.Context, env pipeline.Envelope) (any, map[string]string, error) {
	audio, err := s.fetcher.Fetch(ctx, env.Input.Bucket, env.Input.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, nil, pipeline.Permanent("audio object %s/%s is empty", env.Input.Bucket, env.Input.Name)
	}

	start := time.Now()
	resp, err := s.model.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.name,
		FilePath: env.Input.Name,
		Reader:   bytes.NewReader(audio),
		Language: env.Input.LanguageHint,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, nil, stages.ClassifyModelError(err)
	}

	transcript := &artifact.Transcript{
		Text:        resp.Text,
		Language:    resp.Language,
		DurationSec: resp.Duration,
		Segments:    make([]artifact.Segment, 0, len(resp.Segments)),
	}
	for _, seg := range resp.Segments {
		transcript.Segments = append(transcript.Segments, artifact.Segment{
			ID:    seg.ID,
			Start: seg.Start,
			End:   seg.End,
			Text:  seg.Text,
		})
	}
	if err := transcript.Validate(); err != nil {
		return nil, nil, pipeline.Permanent("transcription result: %v", err)
	}

	slog.Info("Transcription complete",
		"run_id", env.RunID,
		"audio_bytes", len(audio),
		"language", transcript.Language,
		"segments", len(transcript.Segments),
		"latency_ms", stages.LatencyMS(start),
		"text", pipeline.Preview(transcript.Text))

	summary := map[string]string{
		"language": transcript.Language,
		"segments": strconv.Itoa(len(transcript.Segments)),
	}
	return transcript, summary, nil
}
