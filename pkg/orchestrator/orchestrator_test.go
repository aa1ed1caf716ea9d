package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-health/scribeflow/pkg/bus"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
	"github.com/aurelia-health/scribeflow/pkg/retry"
	"github.com/aurelia-health/scribeflow/pkg/state"
)

// memRunStore mirrors the transactional semantics of state.RunStore:
// COMPLETED is absorbing, FailStage only fails RUNNING runs, and
// FinalizeRun is idempotent.
type memRunStore struct {
	runs   map[string]*pipeline.Run
	stages map[string]*pipeline.StageRecord
	err    error
}

func newMemRunStore() *memRunStore {
	return &memRunStore{
		runs:   make(map[string]*pipeline.Run),
		stages: make(map[string]*pipeline.StageRecord),
	}
}

func (m *memRunStore) key(runID string, stage pipeline.Stage) string {
	return runID + "/" + string(stage)
}

func (m *memRunStore) CreateRun(_ context.Context, run *pipeline.Run) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.runs[run.ID]; ok {
		return false, nil
	}
	cp := *run
	m.runs[run.ID] = &cp
	for _, stage := range pipeline.Stages {
		m.stages[m.key(run.ID, stage)] = &pipeline.StageRecord{
			RunID: run.ID, Stage: stage, Status: pipeline.StageStatusPending,
		}
	}
	return true, nil
}

func (m *memRunStore) GetRun(_ context.Context, id string) (*pipeline.Run, error) {
	if m.err != nil {
		return nil, m.err
	}
	run, ok := m.runs[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *memRunStore) GetStage(_ context.Context, runID string, stage pipeline.Stage) (*pipeline.StageRecord, error) {
	rec, ok := m.stages[m.key(runID, stage)]
	if !ok {
		return nil, state.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRunStore) ListStages(_ context.Context, runID string) ([]pipeline.StageRecord, error) {
	out := make([]pipeline.StageRecord, 0, len(pipeline.Stages))
	for _, stage := range pipeline.Stages {
		if rec, ok := m.stages[m.key(runID, stage)]; ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memRunStore) CompleteStage(_ context.Context, runID string, stage pipeline.Stage, artifacts map[string]string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	rec, ok := m.stages[m.key(runID, stage)]
	if !ok {
		return false, state.ErrNotFound
	}
	if rec.Status == pipeline.StageStatusCompleted {
		return false, nil
	}
	rec.Status = pipeline.StageStatusCompleted
	rec.Artifacts = artifacts
	return true, nil
}

func (m *memRunStore) FailStage(_ context.Context, runID string, stage pipeline.Stage, stageErr string) (bool, error) {
	rec, ok := m.stages[m.key(runID, stage)]
	if !ok {
		return false, state.ErrNotFound
	}
	if rec.Status == pipeline.StageStatusCompleted {
		return false, nil
	}
	rec.Status = pipeline.StageStatusFailed
	rec.Error = stageErr
	if run := m.runs[runID]; run.Status == pipeline.RunStatusRunning {
		run.Status = pipeline.RunStatusFailed
	}
	return true, nil
}

func (m *memRunStore) FinalizeRun(_ context.Context, runID string, status pipeline.RunStatus, outcome pipeline.RunOutcome) error {
	run, ok := m.runs[runID]
	if !ok {
		return state.ErrNotFound
	}
	if run.Status != pipeline.RunStatusRunning {
		return nil
	}
	run.Status = status
	run.Outcome = outcome
	return nil
}

func (m *memRunStore) ReapExpired(context.Context, time.Time) (int64, error) { return 0, nil }

type openVerifier struct{}

func (openVerifier) Verify(string) error { return nil }

func testInput() pipeline.InputRef {
	return pipeline.InputRef{Bucket: "audio-inbox", Name: "visit-001.wav", Generation: "1"}
}

func testHarness() (*echo.Echo, *memRunStore, *bus.InMemPublisher) {
	store := newMemRunStore()
	pub := bus.NewInMemPublisher()
	svc := New(Config{
		Runs:      store,
		Publisher: pub,
		PublishRetry: retry.Policy{
			MaxRetries:  2,
			BackoffBase: time.Millisecond,
			BackoffCap:  2 * time.Millisecond,
			Budget:      time.Second,
		},
		RunTTL: 24 * time.Hour,
	})
	e := echo.New()
	svc.Register(e, openVerifier{})
	return e, store, pub
}

func postCreateRun(t *testing.T, e *echo.Echo, in pipeline.InputRef) (*httptest.ResponseRecorder, CreateRunResponse) {
	t.Helper()
	body, err := json.Marshal(CreateRunRequest{Input: in})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var resp CreateRunResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func postEvent(t *testing.T, e *echo.Echo, env pipeline.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	push := bus.WrapPush("m-1", env.RunID, data, nil)
	body, err := json.Marshal(push)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/events/pubsub", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func completion(in pipeline.InputRef, stage pipeline.Stage, artifacts map[string]string) pipeline.Envelope {
	env := pipeline.NewEnvelope(
		pipeline.EventTypeFor(stage, pipeline.KindCompleted),
		pipeline.RunID(in), stage, in, "corr-1")
	env.Artifacts = artifacts
	return env
}

func TestCreateRun(t *testing.T) {
	e, store, pub := testHarness()
	in := testInput()

	rec, resp := postCreateRun(t, e, in)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Created)
	assert.Equal(t, pipeline.RunID(in), resp.RunID)

	run, err := store.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusRunning, run.Status)

	published := pub.Published()
	require.Len(t, published, 1)
	assert.Equal(t, pipeline.EventType("transcribe.requested"), published[0].EventType)
	assert.Equal(t, resp.RunID, published[0].RunID)
}

func TestCreateRun_DuplicateRepublishesWhilePending(t *testing.T) {
	e, _, pub := testHarness()
	in := testInput()

	_, first := postCreateRun(t, e, in)
	rec, second := postCreateRun(t, e, in)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.RunID, second.RunID)

	// The first stage never completed, so the duplicate re-requests it.
	published := pub.Published()
	require.Len(t, published, 2)
	for _, env := range published {
		assert.Equal(t, pipeline.EventType("transcribe.requested"), env.EventType)
	}
}

func TestCreateRun_DuplicateAfterProgressIsSilent(t *testing.T) {
	e, _, pub := testHarness()
	in := testInput()

	postCreateRun(t, e, in)
	rec := postEvent(t, e, completion(in, pipeline.StageTranscribe, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	before := len(pub.Published())

	_, resp := postCreateRun(t, e, in)
	assert.False(t, resp.Created)
	assert.Len(t, pub.Published(), before)
}

func TestCreateRun_InvalidInput(t *testing.T) {
	e, _, _ := testHarness()
	rec, _ := postCreateRun(t, e, pipeline.InputRef{Bucket: "b"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateRun_PublishFailureIs503(t *testing.T) {
	e, _, pub := testHarness()
	pub.FailWith(pipeline.Retryable("broker down"))

	rec, _ := postCreateRun(t, e, testInput())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStateMachine_HappyPath(t *testing.T) {
	e, store, pub := testHarness()
	in := testInput()
	runID := pipeline.RunID(in)

	postCreateRun(t, e, in)

	steps := []struct {
		event pipeline.Envelope
		next  pipeline.EventType
	}{
		{completion(in, pipeline.StageTranscribe, nil), "redact.requested"},
		{completion(in, pipeline.StageRedact, nil), "audit.requested"},
		{completion(in, pipeline.StageAudit, map[string]string{"hipaa_pass": "true"}), "soap.requested"},
	}
	for _, step := range steps {
		rec := postEvent(t, e, step.event)
		require.Equal(t, http.StatusOK, rec.Code)
		published := pub.Published()
		assert.Equal(t, step.next, published[len(published)-1].EventType)
	}

	rec := postEvent(t, e, completion(in, pipeline.StageSoap, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	run, err := store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusCompleted, run.Status)
	assert.Equal(t, pipeline.OutcomePass, run.Outcome)

	// Event sequence produced exactly one request per downstream stage.
	var requests []pipeline.EventType
	for _, env := range pub.Published() {
		if _, kind, err := env.EventType.Split(); err == nil && kind == pipeline.KindRequested {
			requests = append(requests, env.EventType)
		}
	}
	assert.Equal(t, []pipeline.EventType{
		"transcribe.requested", "redact.requested", "audit.requested", "soap.requested",
	}, requests)
}

func TestStateMachine_AuditFailBranch(t *testing.T) {
	e, store, pub := testHarness()
	in := testInput()
	runID := pipeline.RunID(in)

	postCreateRun(t, e, in)
	postEvent(t, e, completion(in, pipeline.StageTranscribe, nil))
	postEvent(t, e, completion(in, pipeline.StageRedact, nil))

	rec := postEvent(t, e, completion(in, pipeline.StageAudit, map[string]string{"hipaa_pass": "false"}))
	require.Equal(t, http.StatusOK, rec.Code)

	run, err := store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusCompleted, run.Status)
	assert.Equal(t, pipeline.OutcomeFail, run.Outcome)

	for _, env := range pub.Published() {
		assert.NotEqual(t, pipeline.EventType("soap.requested"), env.EventType)
	}
}

func TestStateMachine_AuditMissingVerdictIs422(t *testing.T) {
	e, _, _ := testHarness()
	in := testInput()
	postCreateRun(t, e, in)
	postEvent(t, e, completion(in, pipeline.StageTranscribe, nil))
	postEvent(t, e, completion(in, pipeline.StageRedact, nil))

	rec := postEvent(t, e, completion(in, pipeline.StageAudit, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStateMachine_RedeliveryAdvancesOnce(t *testing.T) {
	e, store, _ := testHarness()
	in := testInput()
	runID := pipeline.RunID(in)

	postCreateRun(t, e, in)
	require.Equal(t, http.StatusOK, postEvent(t, e, completion(in, pipeline.StageTranscribe, nil)).Code)
	require.Equal(t, http.StatusOK, postEvent(t, e, completion(in, pipeline.StageTranscribe, nil)).Code)

	rec, err := store.GetStage(context.Background(), runID, pipeline.StageTranscribe)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageStatusCompleted, rec.Status)

	run, err := store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusRunning, run.Status)
}

func TestStateMachine_RedeliveryAfterNextStartedIsSilent(t *testing.T) {
	e, _, pub := testHarness()
	in := testInput()

	postCreateRun(t, e, in)
	postEvent(t, e, completion(in, pipeline.StageTranscribe, nil))
	postEvent(t, e, completion(in, pipeline.StageRedact, nil))
	before := len(pub.Published())

	// Redelivered transcribe completion: redact already completed, so
	// nothing new is requested.
	require.Equal(t, http.StatusOK, postEvent(t, e, completion(in, pipeline.StageTranscribe, nil)).Code)
	assert.Len(t, pub.Published(), before)
}

func TestStateMachine_StageFailureFailsRun(t *testing.T) {
	e, store, pub := testHarness()
	in := testInput()
	runID := pipeline.RunID(in)

	postCreateRun(t, e, in)
	failure := pipeline.Failure(pipeline.NewEnvelope(
		pipeline.EventTypeFor(pipeline.StageTranscribe, pipeline.KindRequested),
		runID, pipeline.StageTranscribe, in, "corr-1"),
		errors.New("corrupt audio"))

	rec := postEvent(t, e, failure)
	require.Equal(t, http.StatusOK, rec.Code)

	run, err := store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusFailed, run.Status)

	stageRec, err := store.GetStage(context.Background(), runID, pipeline.StageTranscribe)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageStatusFailed, stageRec.Status)
	assert.Equal(t, "corrupt audio", stageRec.Error)

	// No further stage requests for a failed run.
	published := pub.Published()
	assert.Equal(t, pipeline.EventType("transcribe.requested"), published[len(published)-1].EventType)
}

func TestHandleEvent_UnknownRunIs422(t *testing.T) {
	e, _, _ := testHarness()
	rec := postEvent(t, e, completion(testInput(), pipeline.StageTranscribe, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleEvent_MalformedPush(t *testing.T) {
	e, _, _ := testHarness()
	req := httptest.NewRequest(http.MethodPost, "/events/pubsub", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun(t *testing.T) {
	e, _, _ := testHarness()
	in := testInput()
	postCreateRun(t, e, in)
	runID := pipeline.RunID(in)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/runs/%s", runID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, runID, resp.RunID)
	assert.Equal(t, pipeline.RunStatusRunning, resp.Status)
	require.Len(t, resp.Stages, 4)
	assert.Equal(t, pipeline.StageTranscribe, resp.Stages[0].Stage)
	assert.Equal(t, pipeline.StageStatusPending, resp.Stages[0].Status)
}

func TestGetRun_NotFound(t *testing.T) {
	e, _, _ := testHarness()
	req := httptest.NewRequest(http.MethodGet, "/runs/nope", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
