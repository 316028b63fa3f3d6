package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scanerr "github.com/soclab/argus/internal/errors"
	"github.com/soclab/argus/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTask(id string) *models.ScanTask {
	return &models.ScanTask{
		ID:        id,
		Name:      "test scan",
		Type:      models.TaskPortScan,
		Priority:  models.PriorityNormal,
		Principal: "alice",
		State:     models.StatePending,
		Targets:   []models.Target{{Type: "ip", IP: "1.1.1.1"}},
		Config:    models.ScanConfig{Ports: "1-1024"},
		CreatedAt: time.Now(),
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := sampleTask("t1")
	task.Description = "desc"
	task.StageStatuses = map[string]models.StageStatus{"port-probe": models.StageCompleted}
	task.ErrorMessages = []string{"one"}
	task.RetryDelay = 30 * time.Second
	task.MaxExecutionTime = time.Hour

	require.NoError(t, s.Put(ctx, task))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.Name, got.Name)
	assert.Equal(t, task.Type, got.Type)
	assert.Equal(t, task.Principal, got.Principal)
	assert.Equal(t, models.StatePending, got.State)
	assert.Equal(t, task.Targets, got.Targets)
	assert.Equal(t, "1-1024", got.Config.Ports)
	assert.Equal(t, task.StageStatuses, got.StageStatuses)
	assert.Equal(t, []string{"one"}, got.ErrorMessages)
	assert.Equal(t, 30*time.Second, got.RetryDelay)
	assert.Equal(t, time.Hour, got.MaxExecutionTime)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, scanerr.ErrNotFound)
}

func TestUpdateStateCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, sampleTask("t1")))

	require.NoError(t, s.UpdateState(ctx, "t1", models.StatePending, models.StateRunning, ""))
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, got.State)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	// Same transition again loses the CAS
	err = s.UpdateState(ctx, "t1", models.StatePending, models.StateRunning, "")
	assert.ErrorIs(t, err, scanerr.ErrConflict)

	require.NoError(t, s.UpdateState(ctx, "t1", models.StateRunning, models.StateCompleted, ""))
	got, err = s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, got.State)
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdateStateMissingTask(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateState(context.Background(), "nope", models.StatePending, models.StateRunning, "")
	assert.ErrorIs(t, err, scanerr.ErrNotFound)
}

func TestUpdateStateBackToPendingClearsTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, sampleTask("t1")))
	require.NoError(t, s.UpdateState(ctx, "t1", models.StatePending, models.StateRunning, ""))
	require.NoError(t, s.UpdateState(ctx, "t1", models.StateRunning, models.StateFailed, "STAGE_FAILED"))

	require.NoError(t, s.UpdateState(ctx, "t1", models.StateFailed, models.StatePending, ""))
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)
	assert.Empty(t, got.Reason)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, sampleTask("t1")))

	require.NoError(t, s.AppendFindings(ctx, "t1", []*models.Finding{{
		ID: "f1", Fingerprint: "fp", Title: "x", Severity: models.SeverityLow, ObservedAt: time.Now(),
	}}))
	require.NoError(t, s.SaveIssues(ctx, "t1", []*models.APISecurityIssue{{
		ID: "i1", Type: "sensitive_data", Severity: models.SeverityHigh, TargetURL: "https://e/x",
	}}))

	require.NoError(t, s.Delete(ctx, "t1"))

	_, err := s.Get(ctx, "t1")
	assert.ErrorIs(t, err, scanerr.ErrNotFound)

	findings, err := s.Findings(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, findings)
	issues, err := s.Issues(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestListFiltersAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, spec := range []struct {
		id        string
		principal string
		state     models.TaskState
	}{
		{"a1", "alice", models.StatePending},
		{"a2", "alice", models.StateCompleted},
		{"b1", "bob", models.StatePending},
	} {
		task := sampleTask(spec.id)
		task.Principal = spec.principal
		task.State = spec.state
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Put(ctx, task))
	}

	page, err := s.List(ctx, models.TaskFilter{Principal: "alice"}, 0, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Tasks, 2)
	// Newest first
	assert.Equal(t, "a2", page.Tasks[0].ID)

	page, err = s.List(ctx, models.TaskFilter{States: []models.TaskState{models.StatePending}}, 0, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = s.List(ctx, models.TaskFilter{}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, "a2", page.Tasks[0].ID)
}

func TestFindingsRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, sampleTask("t1")))

	in := []*models.Finding{{
		ID:          "f1",
		Fingerprint: "fp1",
		Title:       "Open port 22/tcp (ssh)",
		Severity:    models.SeverityInfo,
		Category:    "network",
		Source:      "port-probe",
		Host:        "1.1.1.1",
		Port:        22,
		Evidence:    []models.Evidence{{Source: "port-probe", Matched: "OpenSSH 9.6"}},
		Tags:        []string{"ssh"},
		Confidence:  1.0,
		Sources:     []models.SourceRecord{{Source: "port-probe", ObservedAt: time.Now()}},
		ObservedAt:  time.Now(),
	}}
	require.NoError(t, s.AppendFindings(ctx, "t1", in))

	out, err := s.Findings(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Open port 22/tcp (ssh)", out[0].Title)
	assert.Equal(t, 22, out[0].Port)
	require.Len(t, out[0].Evidence, 1)
	assert.Equal(t, "OpenSSH 9.6", out[0].Evidence[0].Matched)
	require.Len(t, out[0].Sources, 1)
}

func TestClearFindings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, sampleTask("t1")))
	require.NoError(t, s.AppendFindings(ctx, "t1", []*models.Finding{{
		ID: "f1", Fingerprint: "fp", Title: "x", Severity: models.SeverityLow, ObservedAt: time.Now(),
	}}))
	require.NoError(t, s.SaveJSResources(ctx, "t1", []*models.JSResource{{
		ID: "r1", URL: "https://e/app.js", ContentHash: "h", FetchedAt: time.Now(),
	}}))

	require.NoError(t, s.ClearFindings(ctx, "t1"))

	findings, err := s.Findings(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, findings)
	rs, err := s.JSResources(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestResetOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	running := sampleTask("r1")
	running.State = models.StateRunning
	require.NoError(t, s.Put(ctx, running))

	pending := sampleTask("p1")
	require.NoError(t, s.Put(ctx, pending))

	cancelling := sampleTask("c1")
	cancelling.State = models.StateCancelling
	require.NoError(t, s.Put(ctx, cancelling))

	done := sampleTask("d1")
	done.State = models.StateCompleted
	require.NoError(t, s.Put(ctx, done))

	ids, err := s.ResetOrphans(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "p1"}, ids)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)
	assert.Nil(t, got.StartedAt)

	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, got.State)
	assert.Equal(t, models.ReasonUserCancel, got.Reason)

	got, err = s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, got.State)
}

func TestChildTaskIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, sampleTask("parent")))

	child := sampleTask("child")
	child.ParentTaskID = "parent"
	require.NoError(t, s.Put(ctx, child))

	got, err := s.Get(ctx, "parent")
	require.NoError(t, err)
	assert.Equal(t, []string{"child"}, got.ChildTaskIDs)
}

func TestAPISecurityArtefacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, sampleTask("t1")))

	require.NoError(t, s.SaveEndpoints(ctx, "t1", []*models.APIEndpoint{{
		ID: "e1", BaseURL: "https://api.example.com", APIPath: "/user/info",
		ServicePath: "/user", Method: "GET", Status: 200, ResponseSize: 512,
		Access: models.AccessUnauthPrivate,
	}}))
	require.NoError(t, s.SaveMicroservices(ctx, "t1", []*models.Microservice{{
		ID: "m1", BaseURL: "https://api.example.com", ServiceName: "user",
		EndpointIDs: []string{"e1"}, Technologies: []string{"SpringBoot"},
	}}))

	eps, err := s.Endpoints(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, models.AccessUnauthPrivate, eps[0].Access)
	assert.Equal(t, 200, eps[0].Status)

	ms, err := s.Microservices(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, []string{"e1"}, ms[0].EndpointIDs)
	assert.Equal(t, []string{"SpringBoot"}, ms[0].Technologies)
}
