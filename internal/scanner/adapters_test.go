package scanner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soclab/argus/internal/models"
)

// fakeRunner feeds canned output lines instead of spawning a subprocess.
type fakeRunner struct {
	lines  []string
	stderr string
	err    error
	spec   CommandSpec
}

func (f *fakeRunner) Run(_ context.Context, spec CommandSpec, onLine func(string)) (string, error) {
	f.spec = spec
	for _, l := range f.lines {
		onLine(l)
	}
	return f.stderr, f.err
}

func writeFakeTool(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))
	return p
}

func TestToolboxLookupPrefersRoot(t *testing.T) {
	dir := t.TempDir()
	want := writeFakeTool(t, dir, "nmap")

	tb := Toolbox{Root: dir}
	got, err := tb.Lookup("nmap")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestToolboxLookupSkipsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "definitely-not-a-real-tool"), []byte("x"), 0o644))

	tb := Toolbox{Root: dir}
	_, err := tb.Lookup("definitely-not-a-real-tool")
	assert.ErrorIs(t, err, ErrToolMissing)
}

func TestToolboxLookupMissing(t *testing.T) {
	tb := Toolbox{Root: t.TempDir()}
	_, err := tb.Lookup("definitely-not-a-real-tool")
	assert.ErrorIs(t, err, ErrToolMissing)
}

func TestStageHostsPrecedence(t *testing.T) {
	task := &models.ScanTask{Targets: []models.Target{
		{Type: "domain", Domain: "example.com"},
		{Type: "url", URL: "https://app.example.com/login"},
	}}

	// Live URLs win, deduplicated by hostname.
	in := &StageInput{
		Task: task,
		LiveURLs: []string{
			"https://a.example.com",
			"https://a.example.com:8443",
			"http://b.example.com",
		},
		Subdomains: []string{"ignored.example.com"},
	}
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, stageHosts(in))

	// Then subdomains.
	in.LiveURLs = nil
	assert.Equal(t, []string{"ignored.example.com"}, stageHosts(in))

	// Then the task's own targets, URLs reduced to hostnames.
	in.Subdomains = nil
	assert.Equal(t, []string{"example.com", "app.example.com"}, stageHosts(in))
}

func TestStageURLsSynthesisesFromBareHosts(t *testing.T) {
	in := &StageInput{Task: &models.ScanTask{Targets: []models.Target{
		{Type: "domain", Domain: "example.com"},
		{Type: "url", URL: "https://portal.example.com"},
	}}}
	assert.Equal(t, []string{"http://example.com", "https://portal.example.com"}, stageURLs(in))

	in.LiveURLs = []string{"https://live.example.com"}
	assert.Equal(t, []string{"https://live.example.com"}, stageURLs(in))
}

func TestPortProbeAdapterParsesOpenPorts(t *testing.T) {
	dir := t.TempDir()
	writeFakeTool(t, dir, "nmap")

	runner := &fakeRunner{lines: []string{nmapSample}}
	deps := &adapterDeps{runner: runner, toolbox: Toolbox{Root: dir}}
	a := &portProbeAdapter{deps}

	task := &models.ScanTask{
		ID:      "t1",
		Targets: []models.Target{{Type: "ip", IP: "93.184.216.34"}},
		Config:  models.ScanConfig{Ports: "1-1000"},
	}
	res, err := a.Run(context.Background(), &StageInput{Task: task})
	require.NoError(t, err)

	assert.Contains(t, runner.spec.Args, "-p")
	assert.Contains(t, runner.spec.Args, "1-1000")
	assert.Equal(t, []int{80, 443}, res.OpenPorts["93.184.216.34"])
	require.Len(t, res.Findings, 2)
	assert.Equal(t, "Open port 80/tcp (http)", res.Findings[0].Title)
	assert.Equal(t, models.SeverityInfo, res.Findings[0].Severity)
}

func TestSubdomainEnumAdapterCollectsHosts(t *testing.T) {
	dir := t.TempDir()
	writeFakeTool(t, dir, "subfinder")

	runner := &fakeRunner{lines: []string{
		`{"host":"dev.example.com","input":"example.com","source":"crtsh"}`,
		`{"host":"mail.example.com","input":"example.com","source":"dnsdumpster"}`,
		`{"host":"dev.example.com","input":"example.com","source":"virustotal"}`,
		"[WRN] rate limited",
	}}
	deps := &adapterDeps{runner: runner, toolbox: Toolbox{Root: dir}}
	a := &subdomainEnumAdapter{deps}

	task := &models.ScanTask{ID: "t1", Targets: []models.Target{{Type: "domain", Domain: "example.com"}}}
	res, err := a.Run(context.Background(), &StageInput{Task: task})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"dev.example.com", "mail.example.com"}, res.Subdomains)
}

func TestAdapterReportsToolMissing(t *testing.T) {
	deps := &adapterDeps{runner: &fakeRunner{}, toolbox: Toolbox{Root: t.TempDir()}}
	a := &crawlAdapter{deps}

	task := &models.ScanTask{ID: "t1", Targets: []models.Target{{Type: "domain", Domain: "example.com"}}}
	_, err := a.Run(context.Background(), &StageInput{Task: task})
	assert.ErrorIs(t, err, ErrToolMissing)
}

func TestPatternScanFindsMissingHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Server", "nginx/1.25.3")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	deps := &adapterDeps{client: srv.Client()}
	a := &patternScanAdapter{deps}

	task := &models.ScanTask{ID: "t1"}
	res, err := a.Run(context.Background(), &StageInput{
		Task:     task,
		LiveURLs: []string{srv.URL},
	})
	require.NoError(t, err)

	titles := make([]string, 0, len(res.Findings))
	for _, f := range res.Findings {
		titles = append(titles, f.Title)
	}
	assert.Contains(t, titles, "Missing X-Frame-Options header")
	assert.Contains(t, titles, "Missing Content-Security-Policy header")
	assert.Contains(t, titles, "Server version disclosure")
	assert.NotContains(t, titles, "Missing X-Content-Type-Options header")
	// HSTS only applies to https targets.
	assert.NotContains(t, titles, "Missing Strict-Transport-Security header")
}

func TestPatternScanSkipsUnreachableTargets(t *testing.T) {
	deps := &adapterDeps{client: &http.Client{Timeout: 200 * time.Millisecond}}
	a := &patternScanAdapter{deps}

	task := &models.ScanTask{ID: "t1"}
	res, err := a.Run(context.Background(), &StageInput{
		Task:     task,
		LiveURLs: []string{"http://127.0.0.1:1"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
}

func TestToolErrorKeepsSentinels(t *testing.T) {
	assert.ErrorIs(t, toolError("nmap", "boom", ErrRunTimeout), ErrRunTimeout)
	assert.ErrorIs(t, toolError("nmap", "boom", ErrRunCancelled), ErrRunCancelled)
	assert.ErrorIs(t, toolError("nmap", "", context.Canceled), context.Canceled)

	err := toolError("nmap", "first line\nsecond line", errors.New("exit status 1"))
	assert.EqualError(t, err, "nmap failed: exit status 1: first line")
}
