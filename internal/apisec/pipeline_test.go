package apisec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soclab/argus/internal/models"
)

func apisecTask() *models.ScanTask {
	return &models.ScanTask{
		ID:        models.NewTaskID(),
		Type:      models.TaskAPISecurity,
		Principal: "alice",
		Targets:   []models.Target{{Type: "url", URL: "https://app.example.com"}},
		CreatedAt: time.Now(),
	}
}

func TestTaskBaseURLs(t *testing.T) {
	task := &models.ScanTask{Targets: []models.Target{
		{Type: "url", URL: "https://app.example.com/"},
		{Type: "url", URL: "https://app.example.com"},
		{Type: "domain", Domain: "api.example.com"},
	}}
	assert.Equal(t, []string{"https://app.example.com", "https://api.example.com"}, taskBaseURLs(task))
}

func TestDiscoverEndpointsCrossesBasesAndPaths(t *testing.T) {
	p := &Pipeline{}
	task := apisecTask()
	resources := []*models.JSResource{
		{APIPaths: []string{"/user/info", "/user/list"}},
		{APIPaths: []string{"/user/info", "/order/detail"}},
	}

	out := p.discoverEndpoints(task, []string{"https://app.example.com"}, resources)
	// 1 base x 2 default base paths x 3 unique mined paths
	require.Len(t, out, 6)

	urls := make(map[string]bool, len(out))
	for _, ep := range out {
		urls[ep.FullURL()] = true
	}
	assert.True(t, urls["https://app.example.com/user/info"])
	assert.True(t, urls["https://app.example.com/api/user/info"])
	assert.True(t, urls["https://app.example.com/api/order/detail"])

	assert.Equal(t, "/user", out[0].ServicePath)
	assert.Equal(t, task.ID, out[0].TaskID)
}

func TestDiscoverEndpointsHonoursConfiguredBasePaths(t *testing.T) {
	p := &Pipeline{}
	task := apisecTask()
	task.Config.BaseAPIPaths = []string{"/gateway"}
	resources := []*models.JSResource{{APIPaths: []string{"/user/info"}}}

	out := p.discoverEndpoints(task, []string{"https://app.example.com"}, resources)
	require.Len(t, out, 1)
	assert.Equal(t, "https://app.example.com/gateway/user/info", out[0].FullURL())
}

func TestDiscoverEndpointsBounded(t *testing.T) {
	p := &Pipeline{}
	task := apisecTask()
	paths := make([]string, 600)
	for i := range paths {
		paths[i] = models.JoinURL("/svc", models.NewID())
	}
	resources := []*models.JSResource{{APIPaths: paths}}

	out := p.discoverEndpoints(task, []string{"https://app.example.com"}, resources)
	assert.Len(t, out, maxEndpoints)
}

func TestGroupServicesClassifiesAndFilters(t *testing.T) {
	p := &Pipeline{}
	task := apisecTask()

	eps := []*models.APIEndpoint{
		{ID: "e1", BaseURL: "https://app.example.com", ServicePath: "/user", APIPath: "/user/info"},
		{ID: "e2", BaseURL: "https://app.example.com", ServicePath: "/user", APIPath: "/user/list"},
		{ID: "e3", BaseURL: "https://app.example.com", ServicePath: "/order", APIPath: "/order/all"},
		{ID: "e4", BaseURL: "https://app.example.com", ServicePath: "/gone", APIPath: "/gone/away"},
		{ID: "e5", BaseURL: "https://app.example.com", ServicePath: "/dead", APIPath: "/dead/end"},
	}
	probes := map[string]probeResult{
		"e1": {Status: 200, ContentType: "application/json", Body: `{"name":"alice","role":"admin"}`, Size: 31},
		"e2": {Status: 401},
		"e3": {Status: 200, ContentType: "text/html", Body: "<html>ok</html>", Size: 15},
		"e4": {Status: 404},
		// e5 unreachable: no probe entry
	}

	kept, services := p.groupServices(task, eps, probes)

	require.Len(t, kept, 3, "not_found and unreachable endpoints are dropped")
	assert.Equal(t, models.AccessUnauthPrivate, kept[0].Access)
	assert.Equal(t, models.AccessRequiresLogin, kept[1].Access)
	assert.Equal(t, models.AccessPublic, kept[2].Access)
	assert.Equal(t, 200, kept[0].Status)

	require.Len(t, services, 2)
	assert.Equal(t, "user", services[0].ServiceName)
	assert.Equal(t, []string{"e1", "e2"}, services[0].EndpointIDs)
	assert.Equal(t, "order", services[1].ServiceName)
}

func TestGroupServicesKeepsNotFoundWhenAsked(t *testing.T) {
	p := &Pipeline{}
	task := apisecTask()
	task.Config.IncludeNotFound = true

	eps := []*models.APIEndpoint{
		{ID: "e1", BaseURL: "https://app.example.com", ServicePath: "/gone", APIPath: "/gone/away"},
	}
	probes := map[string]probeResult{"e1": {Status: 404}}

	kept, _ := p.groupServices(task, eps, probes)
	require.Len(t, kept, 1)
	assert.Equal(t, models.AccessNotFound, kept[0].Access)
}

func TestGroupServicesCollectsTechnologies(t *testing.T) {
	p := &Pipeline{}
	task := apisecTask()

	eps := []*models.APIEndpoint{
		{ID: "e1", BaseURL: "https://app.example.com", ServicePath: "/user", APIPath: "/user/info"},
		{ID: "e2", BaseURL: "https://app.example.com", ServicePath: "/user", APIPath: "/user/list"},
	}
	probes := map[string]probeResult{
		"e1": {Status: 500, Body: "Whitelabel Error Page"},
		"e2": {Status: 500, Body: "Whitelabel Error Page"},
	}

	_, services := p.groupServices(task, eps, probes)
	require.Len(t, services, 1)
	assert.Equal(t, []string{"SpringBoot"}, services[0].Technologies, "duplicates collapse")
}

func TestAccessIssues(t *testing.T) {
	p := &Pipeline{}
	task := apisecTask()

	eps := []*models.APIEndpoint{
		{BaseURL: "https://app.example.com", APIPath: "/user/info", Access: models.AccessUnauthPrivate, Status: 200, ResponseSize: 512},
		{BaseURL: "https://app.example.com", APIPath: "/user/login", Access: models.AccessRequiresLogin},
		{BaseURL: "https://app.example.com", APIPath: "/health", Access: models.AccessPublic},
	}

	issues := p.accessIssues(task, eps)
	require.Len(t, issues, 1)
	assert.Equal(t, "unauthorized_access", issues[0].Type)
	assert.Equal(t, models.SeverityHigh, issues[0].Severity)
	assert.Equal(t, "https://app.example.com/user/info", issues[0].TargetURL)
	assert.Contains(t, issues[0].Evidence, "HTTP 200")
}

func TestIssueFindings(t *testing.T) {
	task := apisecTask()
	issues := []*models.APISecurityIssue{
		{
			ID: "i1", TaskID: task.ID, Type: "unauthorized_access",
			Severity: models.SeverityHigh, TargetURL: "https://app.example.com/user/info",
		},
		{
			ID: "i2", TaskID: task.ID, Type: "sensitive_data",
			Severity: models.SeverityCritical, TargetURL: "https://app.example.com/static/app.js",
			RuleName: "private-key-block",
		},
	}

	findings := issueFindings(task, issues)
	require.Len(t, findings, 2)

	assert.Equal(t, "Unauthenticated API endpoint", findings[0].Title)
	assert.Equal(t, "access-control", findings[0].Category)
	assert.Equal(t, "app.example.com", findings[0].Host)
	assert.Equal(t, "/user/info", findings[0].Path)

	assert.Equal(t, "Sensitive data exposure: private-key-block", findings[1].Title)
	assert.Equal(t, "sensitive-data", findings[1].Category)
	assert.Equal(t, models.SeverityCritical, findings[1].Severity)
	assert.Equal(t, "api-security", findings[1].Source)
}

func TestMatchesToIssues(t *testing.T) {
	matches := scanSensitive(`{"phone":"13812345678"}`)
	require.NotEmpty(t, matches)

	issues := matchesToIssues("t1", "https://app.example.com/api/user", matches)
	require.Len(t, issues, len(matches))
	assert.Equal(t, "sensitive_data", issues[0].Type)
	assert.Equal(t, "mobile-number", issues[0].RuleName)
	assert.Contains(t, issues[0].Evidence, "13812345678")
}
