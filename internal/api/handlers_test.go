package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soclab/argus/internal/config"
	scanerr "github.com/soclab/argus/internal/errors"
	"github.com/soclab/argus/internal/events"
	"github.com/soclab/argus/internal/models"
	"github.com/soclab/argus/internal/netguard"
	"github.com/soclab/argus/internal/scanner"
	"github.com/soclab/argus/internal/scheduler"
	"github.com/soclab/argus/internal/store"
)

// stubRunner lets each test script the engine outcome behind the API.
type stubRunner struct {
	fn func(ctx context.Context, task *models.ScanTask) error
}

func (s *stubRunner) Run(ctx context.Context, task *models.ScanTask) (*scanner.RunResult, error) {
	var err error
	if s.fn != nil {
		err = s.fn(ctx, task)
	}
	return &scanner.RunResult{}, err
}

func newTestAPI(t *testing.T, runner scheduler.TaskRunner) (*Router, store.TaskStore) {
	t.Helper()
	cfg := &config.Config{
		WorkerCount:        2,
		InflightCap:        8,
		SubmitRateLimit:    100,
		SubmitRateWindow:   time.Minute,
		DefaultMaxRetries:  1,
		DefaultRetryDelay:  10 * time.Millisecond,
		MaxExecutionTime:   time.Minute,
		CancelHardDeadline: 500 * time.Millisecond,
	}
	st, err := store.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := events.NewHub()
	validator := netguard.New(netguard.Options{})
	sched := scheduler.New(cfg, st, runner, hub, validator)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)

	return NewRouter(cfg, st, sched, hub, validator, "test"), st
}

func doRequest(r *Router, method, path, principal string, admin bool, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if principal != "" {
		req.Header.Set("X-Auth-User", principal)
	}
	if admin {
		req.Header.Set("X-Auth-Roles", "admin")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeTask(t *testing.T, rec *httptest.ResponseRecorder) *models.ScanTask {
	t.Helper()
	var task models.ScanTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	return &task
}

func awaitState(t *testing.T, st store.TaskStore, id string, want models.TaskState) *models.ScanTask {
	t.Helper()
	var got *models.ScanTask
	require.Eventually(t, func() bool {
		task, err := st.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.State == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

const submitBody = `{"name":"scan","type":"port_scan","targets":[{"type":"ip","ip":"1.1.1.1"}]}`

func TestHealthNeedsNoAuth(t *testing.T) {
	r, _ := newTestAPI(t, &stubRunner{})
	rec := doRequest(r, http.MethodGet, "/api/health", "", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMissingPrincipalRejected(t *testing.T) {
	r, _ := newTestAPI(t, &stubRunner{})

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/scans"},
		{http.MethodPost, "/api/scans"},
		{http.MethodGet, "/api/scans/abc"},
		{http.MethodPost, "/api/scans/abc/cancel"},
	} {
		rec := doRequest(r, route.method, route.path, "", false, strings.NewReader("{}"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
		assert.Contains(t, rec.Body.String(), "UNAUTHENTICATED")
	}
}

func TestSubmitAndOwnership(t *testing.T) {
	r, st := newTestAPI(t, &stubRunner{})

	rec := doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(submitBody))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeTask(t, rec)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "alice", created.Principal)
	awaitState(t, st, created.ID, models.StateCompleted)

	// Owner sees it, strangers do not, admins do.
	assert.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, "/api/scans/"+created.ID, "alice", false, nil).Code)
	assert.Equal(t, http.StatusForbidden, doRequest(r, http.MethodGet, "/api/scans/"+created.ID, "bob", false, nil).Code)
	assert.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, "/api/scans/"+created.ID, "root", true, nil).Code)

	assert.Equal(t, http.StatusNotFound, doRequest(r, http.MethodGet, "/api/scans/nope", "alice", false, nil).Code)

	// Deleting a terminal task removes it.
	assert.Equal(t, http.StatusForbidden, doRequest(r, http.MethodDelete, "/api/scans/"+created.ID, "bob", false, nil).Code)
	assert.Equal(t, http.StatusNoContent, doRequest(r, http.MethodDelete, "/api/scans/"+created.ID, "alice", false, nil).Code)
	assert.Equal(t, http.StatusNotFound, doRequest(r, http.MethodGet, "/api/scans/"+created.ID, "alice", false, nil).Code)
}

func TestSubmitRejectsZeroMaxExecutionTime(t *testing.T) {
	r, _ := newTestAPI(t, &stubRunner{})

	body := `{"name":"scan","type":"port_scan","targets":[{"type":"ip","ip":"1.1.1.1"}],"max_execution_seconds":0}`
	rec := doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(body))
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	var envelope map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, string(scanerr.KindInvalidConfig), envelope["code"])

	// Absent still falls back to the configured default.
	rec = doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(submitBody))
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	r, _ := newTestAPI(t, &stubRunner{})

	rec := doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(`{"bogus_field":1}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListIsolatesPrincipals(t *testing.T) {
	r, st := newTestAPI(t, &stubRunner{})

	rec := doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(submitBody))
	require.Equal(t, http.StatusCreated, rec.Code)
	awaitState(t, st, decodeTask(t, rec).ID, models.StateCompleted)

	var page models.TaskPage
	rec = doRequest(r, http.MethodGet, "/api/scans", "alice", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)

	rec = doRequest(r, http.MethodGet, "/api/scans", "bob", false, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 0, page.Total)

	// Admin sees everything, optionally narrowed by principal.
	rec = doRequest(r, http.MethodGet, "/api/scans", "root", true, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)

	rec = doRequest(r, http.MethodGet, "/api/scans?principal=bob", "root", true, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 0, page.Total)
}

func TestPatchOnlyTouchesPendingTasks(t *testing.T) {
	r, st := newTestAPI(t, &stubRunner{})

	// A task scheduled in the future stays pending.
	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	body := fmt.Sprintf(`{"name":"later","type":"port_scan","targets":[{"type":"ip","ip":"1.1.1.1"}],"schedule":{"at":%q}}`, at)
	rec := doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pending := decodeTask(t, rec)

	rec = doRequest(r, http.MethodPatch, "/api/scans/"+pending.ID, "alice", false,
		strings.NewReader(`{"name":"renamed","priority":"high"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	patched := decodeTask(t, rec)
	assert.Equal(t, "renamed", patched.Name)
	assert.Equal(t, models.PriorityHigh, patched.Priority)

	rec = doRequest(r, http.MethodPatch, "/api/scans/"+pending.ID, "alice", false,
		strings.NewReader(`{"priority":"asap"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Completed tasks are immutable.
	rec = doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(submitBody))
	require.Equal(t, http.StatusCreated, rec.Code)
	done := decodeTask(t, rec)
	awaitState(t, st, done.ID, models.StateCompleted)

	rec = doRequest(r, http.MethodPatch, "/api/scans/"+done.ID, "alice", false, strings.NewReader(`{"name":"nope"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartRunsScheduledTaskNow(t *testing.T) {
	r, st := newTestAPI(t, &stubRunner{})

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	body := fmt.Sprintf(`{"name":"later","type":"port_scan","targets":[{"type":"ip","ip":"1.1.1.1"}],"schedule":{"at":%q}}`, at)
	rec := doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pending := decodeTask(t, rec)

	rec = doRequest(r, http.MethodPost, "/api/scans/"+pending.ID+"/start", "bob", false, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(r, http.MethodPost, "/api/scans/"+pending.ID+"/start", "alice", false, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	awaitState(t, st, pending.ID, models.StateCompleted)

	rec = doRequest(r, http.MethodPost, "/api/scans/"+pending.ID+"/start", "alice", false, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLogsEndpoint(t *testing.T) {
	r, st := newTestAPI(t, &stubRunner{})

	rec := doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(submitBody))
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decodeTask(t, rec)
	awaitState(t, st, task.ID, models.StateCompleted)

	rec = doRequest(r, http.MethodGet, "/api/scans/"+task.ID+"/logs", "alice", false, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var logs map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	assert.Equal(t, task.ID, logs["task_id"])
	assert.Equal(t, string(models.StateCompleted), logs["state"])

	rec = doRequest(r, http.MethodGet, "/api/scans/"+task.ID+"/logs", "bob", false, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCancelEndpoint(t *testing.T) {
	runner := &stubRunner{fn: func(ctx context.Context, task *models.ScanTask) error {
		<-ctx.Done()
		return scanerr.New(scanerr.KindStageCancelled, "run", ctx.Err()).WithTask(task.ID)
	}}
	r, st := newTestAPI(t, runner)

	rec := doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(submitBody))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeTask(t, rec)
	awaitState(t, st, created.ID, models.StateRunning)

	rec = doRequest(r, http.MethodPost, "/api/scans/"+created.ID+"/cancel", "alice", false, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	got := awaitState(t, st, created.ID, models.StateCancelled)
	assert.Equal(t, models.ReasonUserCancel, got.Reason)

	// Cancelling a terminal task is a conflict.
	rec = doRequest(r, http.MethodPost, "/api/scans/"+created.ID+"/cancel", "alice", false, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRestartAndCloneEndpoints(t *testing.T) {
	var calls atomic.Int32
	r, st := newTestAPI(t, &stubRunner{fn: func(ctx context.Context, task *models.ScanTask) error {
		if calls.Add(1) == 1 {
			return scanerr.Newf(scanerr.KindStageFailed, "run", "all stages failed").WithTask(task.ID)
		}
		return nil
	}})

	rec := doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(submitBody))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeTask(t, rec)
	awaitState(t, st, created.ID, models.StateFailed)

	rec = doRequest(r, http.MethodPost, "/api/scans/"+created.ID+"/restart", "alice", false, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, created.ID, decodeTask(t, rec).ID, "restart reuses the task id")
	awaitState(t, st, created.ID, models.StateCompleted)

	// Completed tasks are re-run via clone, not restart.
	rec = doRequest(r, http.MethodPost, "/api/scans/"+created.ID+"/restart", "alice", false, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(r, http.MethodPost, "/api/scans/"+created.ID+"/clone", "alice", false, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	clone := decodeTask(t, rec)
	assert.NotEqual(t, created.ID, clone.ID)
	assert.Equal(t, created.ID, clone.ParentTaskID)
}

func TestExportFindings(t *testing.T) {
	r, st := newTestAPI(t, &stubRunner{})

	rec := doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(submitBody))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeTask(t, rec)
	awaitState(t, st, created.ID, models.StateCompleted)

	require.NoError(t, st.AppendFindings(context.Background(), created.ID, []*models.Finding{{
		ID:       models.NewID(),
		TaskID:   created.ID,
		Title:    "Open port 80/tcp (http)",
		Severity: models.SeverityInfo,
		Category: "network",
		Source:   "port-probe",
		Host:     "1.1.1.1",
		Port:     80,
	}}))

	rec = doRequest(r, http.MethodGet, "/api/scans/"+created.ID+"/export?format=csv", "alice", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), created.ID)
	assert.Contains(t, rec.Body.String(), "Open port 80/tcp (http)")

	rec = doRequest(r, http.MethodGet, "/api/scans/"+created.ID+"/export", "alice", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".json")

	rec = doRequest(r, http.MethodGet, "/api/scans/"+created.ID+"/export?format=pdf", "alice", false, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResultsEndpoint(t *testing.T) {
	r, st := newTestAPI(t, &stubRunner{})

	rec := doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(submitBody))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeTask(t, rec)
	awaitState(t, st, created.ID, models.StateCompleted)

	rec = doRequest(r, http.MethodGet, "/api/scans/"+created.ID+"/results", "alice", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Task     *models.ScanTask  `json:"task"`
		Findings []*models.Finding `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, created.ID, result.Task.ID)
}

func TestImportEndpoint(t *testing.T) {
	r, _ := newTestAPI(t, &stubRunner{})

	payload := `[{"name":"portal","domain":"portal.example.com"},{"name":"db","ip_address":"10.20.30.40"}]`
	rec := doRequest(r, http.MethodPost, "/api/scans/import?format=json", "alice", false, strings.NewReader(payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		Targets []models.Target `json:"targets"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Count)

	rec = doRequest(r, http.MethodPost, "/api/scans/import?format=json", "alice", false, strings.NewReader("{bad"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	r, st := newTestAPI(t, &stubRunner{})

	rec := doRequest(r, http.MethodPost, "/api/scans", "alice", false, strings.NewReader(submitBody))
	require.Equal(t, http.StatusCreated, rec.Code)
	awaitState(t, st, decodeTask(t, rec).ID, models.StateCompleted)

	rec = doRequest(r, http.MethodGet, "/api/scans/stats", "alice", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats models.TaskStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.ByState[models.StateCompleted])
}
