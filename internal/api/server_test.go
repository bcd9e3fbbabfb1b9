package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"energyagent/app"
	"energyagent/domain/core"
	"energyagent/domain/envelope"
	"energyagent/domain/run"
	apperrors "energyagent/internal/errors"
	"energyagent/ports"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	block chan struct{}
	err   error
}

func (f *fakeRunner) Execute(ctx context.Context, req run.Request, opts app.RunOptions) (*app.RunResult, error) {
	emit := func(ev run.Event) {
		for _, obs := range opts.Observers {
			obs(ev)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	emit(run.Event{Type: run.EventRunStarted, RunID: opts.RunID, At: core.Now(),
		Data: map[string]interface{}{"output_dir": "outputs/" + req.Scenario.ScenarioID}})
	if f.block != nil {
		<-f.block
	}
	emit(run.Event{Type: run.EventStageCompleted, RunID: opts.RunID, Stage: envelope.StageIntake, At: core.Now()})

	r := run.Run{
		ID:         opts.RunID,
		ScenarioID: req.Scenario.ScenarioID,
		Status:     run.StatusCompleted,
		OutputDir:  "outputs/" + req.Scenario.ScenarioID,
		CreatedAt:  core.Now(),
		UpdatedAt:  core.Now(),
	}
	record := &ports.RunRecord{
		Run:       r,
		Envelopes: map[envelope.Stage]*envelope.ResultEnvelope{},
		ReviewItems: []envelope.HumanReviewItem{
			envelope.NewReviewItem(envelope.StageReport, "check baseline", "confirm inputs", envelope.SeverityMedium, "inputs"),
		},
	}
	emit(run.Event{Type: run.EventRunCompleted, RunID: opts.RunID, At: core.Now()})
	return &app.RunResult{Run: r, Record: record}, nil
}

type storedRepo struct {
	record *ports.RunRecord
}

func (r *storedRepo) SaveRun(ctx context.Context, record *ports.RunRecord) error { return nil }

func (r *storedRepo) GetRun(ctx context.Context, runID core.RunID) (*ports.RunRecord, error) {
	if r.record != nil && r.record.Run.ID == runID {
		return r.record, nil
	}
	return nil, core.NewNotFoundError("run", runID.String())
}

func (r *storedRepo) ListRuns(ctx context.Context, filters ports.RunFilters) ([]run.Run, error) {
	if r.record == nil {
		return []run.Run{}, nil
	}
	return []run.Run{r.record.Run}, nil
}

func (r *storedRepo) ListReviewItems(ctx context.Context, runID core.RunID) ([]envelope.HumanReviewItem, error) {
	return nil, nil
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func createRun(t *testing.T, s *Server, scenario string) core.RunID {
	t.Helper()
	w := do(t, s, http.MethodPost, "/runs", `{"scenario": {"scenario_id": "`+scenario+`"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp struct {
		RunID  core.RunID `json:"run_id"`
		Status string     `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Status)
	return resp.RunID
}

func TestCreateRunValidation(t *testing.T) {
	s := NewServer(&fakeRunner{})

	tests := []struct {
		name string
		body string
		code string
	}{
		{"missing scenario id", `{"scenario": {}}`, "VALIDATION_ERROR"},
		{"malformed json", `{"scenario": `, "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
	assert.Empty(t, s.Tracker().List(ports.RunFilters{}))
}

func TestRunLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	s := NewServer(&fakeRunner{})

	id := createRun(t, s, "park-a")
	s.Wait()

	w := do(t, s, http.MethodGet, "/runs/"+id.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var record ports.RunRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, run.StatusCompleted, record.Run.Status)
	assert.Equal(t, "park-a", record.Run.ScenarioID)

	w = do(t, s, http.MethodGet, "/runs/"+id.String()+"/review-items", "")
	require.Equal(t, http.StatusOK, w.Code)
	var review struct {
		ReviewItems []envelope.HumanReviewItem `json:"review_items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &review))
	require.Len(t, review.ReviewItems, 1)
	assert.Equal(t, "check baseline", review.ReviewItems[0].Issue)

	w = do(t, s, http.MethodGet, "/runs?status=completed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Runs  []run.Run `json:"runs"`
		Count int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, id, list.Runs[0].ID)

	w = do(t, s, http.MethodGet, "/runs?status=running", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 0, list.Count)

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestEventsReplayAfterCompletion(t *testing.T) {
	s := NewServer(&fakeRunner{})
	id := createRun(t, s, "park-b")
	s.Wait()

	w := do(t, s, http.MethodGet, "/runs/"+id.String()+"/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	started := strings.Index(body, "event:run_started")
	stage := strings.Index(body, "event:stage_completed")
	completed := strings.Index(body, "event:run_completed")
	require.GreaterOrEqual(t, started, 0)
	assert.Greater(t, stage, started)
	assert.Greater(t, completed, stage)
	assert.Equal(t, 0, s.hub.ClientCount(id))
}

func TestEventsStreamLiveRun(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s := NewServer(runner)
	id := createRun(t, s, "park-live")

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/" + id.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	close(runner.block)

	var buf strings.Builder
	chunk := make([]byte, 4096)
	for !strings.Contains(buf.String(), "event:run_completed") {
		n, rerr := resp.Body.Read(chunk)
		buf.Write(chunk[:n])
		if rerr != nil {
			break
		}
	}
	assert.Contains(t, buf.String(), "event:run_started")
	assert.Contains(t, buf.String(), "event:run_completed")
	assert.Equal(t, 1, strings.Count(buf.String(), "event:run_started"), "replayed events are not repeated")
	s.Wait()
}

func TestCreateRunBusy(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s := NewServer(runner, WithMaxConcurrentRuns(1))

	createRun(t, s, "first")
	w := do(t, s, http.MethodPost, "/runs", `{"scenario": {"scenario_id": "second"}}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "BUSY")

	close(runner.block)
	s.Wait()
	createRun(t, s, "third")
	s.Wait()
}

func TestCreateRunConflictsWithActiveScenario(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s := NewServer(runner)

	first := createRun(t, s, "park-a")
	w := do(t, s, http.MethodPost, "/runs", `{"scenario": {"scenario_id": "park-a"}}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "CONFLICT")
	assert.Contains(t, w.Body.String(), first.String())

	createRun(t, s, "park-c")

	close(runner.block)
	s.Wait()
	again := createRun(t, s, "park-a")
	s.Wait()
	assert.NotEqual(t, first, again)

	r, _, ok := s.Tracker().Get(again)
	require.True(t, ok)
	assert.Equal(t, run.StatusCompleted, r.Status)
}

func TestTrackerConflictUsesSanitizedScenario(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Create("r1", "park 001")
	require.NoError(t, err)
	_, err = tr.Create("r2", "park-001")
	assert.Equal(t, apperrors.CodeConflict, apperrors.GetCode(err))

	tr.Finish("r1", nil, errors.New("gone"))
	_, err = tr.Create("r3", "park-001")
	assert.NoError(t, err)
}

type emptyRunner struct{}

func (emptyRunner) Execute(ctx context.Context, req run.Request, opts app.RunOptions) (*app.RunResult, error) {
	return nil, nil
}

func TestRunnerWithoutRecordMarksRunFailed(t *testing.T) {
	s := NewServer(emptyRunner{})
	id := createRun(t, s, "empty")
	s.Wait()

	r, _, ok := s.Tracker().Get(id)
	require.True(t, ok)
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Contains(t, r.Error, "no run record")
}

func TestRunnerErrorMarksRunFailed(t *testing.T) {
	s := NewServer(&fakeRunner{err: errors.New("no output dir")})
	id := createRun(t, s, "broken")
	s.Wait()

	r, record, ok := s.Tracker().Get(id)
	require.True(t, ok)
	assert.Nil(t, record)
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, "no output dir", r.Error)

	events, _ := s.Tracker().Events(id)
	require.NotEmpty(t, events)
	assert.Equal(t, run.EventRunFailed, events[len(events)-1].Type)
}

func TestUnknownRun(t *testing.T) {
	s := NewServer(&fakeRunner{})
	for _, path := range []string{"/runs/nope", "/runs/nope/review-items", "/runs/nope/events"} {
		w := do(t, s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestStoredRunFallback(t *testing.T) {
	stored := &ports.RunRecord{
		Run: run.Run{ID: "stored-1", ScenarioID: "old", Status: run.StatusFailed, FailedStage: envelope.StageInsight, CreatedAt: core.Now()},
	}
	s := NewServer(&fakeRunner{}, WithRunRepository(&storedRepo{record: stored}))

	w := do(t, s, http.MethodGet, "/runs/stored-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"failed_stage":"insight"`)

	w = do(t, s, http.MethodGet, "/runs/stored-1/review-items", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"review_items":[]`)

	id := createRun(t, s, "new")
	s.Wait()
	w = do(t, s, http.MethodGet, "/runs?limit=10", "")
	var list struct {
		Runs []run.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Runs, 2)
	assert.Equal(t, id, list.Runs[0].ID)
}

func TestListRunsRejectsBadQuery(t *testing.T) {
	s := NewServer(&fakeRunner{})
	for _, q := range []string{"status=done", "limit=0", "offset=-1"} {
		w := do(t, s, http.MethodGet, "/runs?"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestTrackerIgnoresUnknownRuns(t *testing.T) {
	tr := NewTracker()
	se := tr.Record(run.Event{Type: run.EventRunStarted, RunID: "ghost"})
	assert.Equal(t, 0, se.Seq)
	_, ok := tr.Events("ghost")
	assert.False(t, ok)
}
