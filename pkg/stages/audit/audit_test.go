package audit

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-health/scribeflow/pkg/artifact"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

type fakeChat struct {
	req     openai.ChatCompletionRequest
	content string
	retry   string
	calls   int
	err     error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	f.calls++
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	content := f.content
	if f.calls > 1 && f.retry != "" {
		content = f.retry
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}, nil
}

func setupRedacted(t *testing.T) (*artifact.InMemStore, pipeline.Envelope) {
	t.Helper()
	store := artifact.NewInMemStore()
	in := pipeline.InputRef{Bucket: "b", Name: "n.wav", Generation: "1"}
	runID := pipeline.RunID(in)
	_, err := artifact.PutJSON(context.Background(), store,
		pipeline.ArtifactPath(runID, pipeline.StageRedact),
		&artifact.Redacted{Text: "Patient [PERSON_a1b2c3d4] reports mild headache."})
	require.NoError(t, err)
	env := pipeline.NewEnvelope(
		pipeline.EventTypeFor(pipeline.StageAudit, pipeline.KindRequested),
		runID, pipeline.StageAudit, in, "corr")
	return store, env
}

func TestExecute_Pass(t *testing.T) {
	store, env := setupRedacted(t)
	chat := &fakeChat{content: `{"hipaa_compliant": true, "fail_identifiers": [], "comments": "clean"}`}
	svc := New(store, chat, "llama3")

	art, summary, err := svc.Execute(context.Background(), env)
	require.NoError(t, err)

	verdict, ok := art.(*artifact.Audit)
	require.True(t, ok)
	assert.True(t, verdict.HipaaCompliant)
	assert.Equal(t, "true", summary["hipaa_pass"])

	assert.Equal(t, "llama3", chat.req.Model)
	require.Len(t, chat.req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, chat.req.Messages[0].Role)
	assert.Contains(t, chat.req.Messages[1].Content, "[PERSON_a1b2c3d4]")
}

func TestExecute_Fail(t *testing.T) {
	store, env := setupRedacted(t)
	chat := &fakeChat{content: `{
		"hipaa_compliant": false,
		"fail_identifiers": [{"type": "name", "text": "John Doe", "position": "0-8"}],
		"comments": "residual name"
	}`}
	svc := New(store, chat, "llama3")

	art, summary, err := svc.Execute(context.Background(), env)
	require.NoError(t, err)

	verdict := art.(*artifact.Audit)
	assert.False(t, verdict.HipaaCompliant)
	require.Len(t, verdict.FailIdentifiers, 1)
	assert.Equal(t, "name", verdict.FailIdentifiers[0].Type)
	assert.Equal(t, "false", summary["hipaa_pass"])
}

func TestExecute_SchemaViolationsArePermanent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "the transcript looks fine to me"},
		{"missing keys", `{"hipaa_compliant": true}`},
		{"wrong verdict type", `{"hipaa_compliant": "yes", "fail_identifiers": [], "comments": ""}`},
		{"wrong identifiers type", `{"hipaa_compliant": false, "fail_identifiers": {}, "comments": ""}`},
		{"identifier missing type", `{"hipaa_compliant": false, "fail_identifiers": [{"text": "x", "position": "1"}], "comments": ""}`},
		{"identifier missing position", `{"hipaa_compliant": false, "fail_identifiers": [{"type": "name", "text": "x"}], "comments": ""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, env := setupRedacted(t)
			chat := &fakeChat{content: tt.content}
			svc := New(store, chat, "llama3")
			_, _, err := svc.Execute(context.Background(), env)
			require.Error(t, err)
			assert.True(t, pipeline.IsPermanent(err))
			assert.Equal(t, 2, chat.calls)
		})
	}
}

func TestExecute_RecoversOnRetriedCall(t *testing.T) {
	store, env := setupRedacted(t)
	chat := &fakeChat{
		content: "I could not produce JSON, sorry.",
		retry:   `{"hipaa_compliant": true, "fail_identifiers": [], "comments": "clean"}`,
	}
	svc := New(store, chat, "llama3")

	art, summary, err := svc.Execute(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 2, chat.calls)
	assert.True(t, art.(*artifact.Audit).HipaaCompliant)
	assert.Equal(t, "true", summary["hipaa_pass"])
}

func TestExecute_ModelErrorRetryable(t *testing.T) {
	store, env := setupRedacted(t)
	svc := New(store, &fakeChat{err: &openai.APIError{HTTPStatusCode: 502}}, "llama3")
	_, _, err := svc.Execute(context.Background(), env)
	require.Error(t, err)
	assert.True(t, pipeline.IsRetryable(err))
}

func TestExecute_MissingRedactedArtifact(t *testing.T) {
	store := artifact.NewInMemStore()
	in := pipeline.InputRef{Bucket: "b", Name: "n.wav", Generation: "1"}
	env := pipeline.NewEnvelope(
		pipeline.EventTypeFor(pipeline.StageAudit, pipeline.KindRequested),
		pipeline.RunID(in), pipeline.StageAudit, in, "corr")

	svc := New(store, &fakeChat{}, "llama3")
	_, _, err := svc.Execute(context.Background(), env)
	assert.ErrorIs(t, err, artifact.ErrNotExist)
	assert.True(t, pipeline.IsPermanent(err))
}
