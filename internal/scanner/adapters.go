package scanner

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/soclab/argus/internal/models"
)

// ErrToolMissing marks a stage whose external tool is not installed. The
// engine records such stages as skipped rather than failed.
var ErrToolMissing = errors.New("tool binary not found")

// Toolbox resolves tool binaries under a configurable root, falling back
// to PATH. Lookup happens per invocation so tools dropped into the root
// while the server runs are picked up without a restart.
type Toolbox struct {
	Root string
}

// Lookup returns the absolute path of a tool binary.
func (t Toolbox) Lookup(name string) (string, error) {
	if t.Root != "" {
		candidate := filepath.Join(t.Root, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolMissing, name)
	}
	return path, nil
}

// StageInput carries the task plus the data earlier stages produced.
type StageInput struct {
	Task       *models.ScanTask
	Subdomains []string
	LiveURLs   []string
	OpenPorts  map[string][]int // host -> open ports

	// Gate bounds concurrent subprocesses for this task.
	Gate *semaphore.Weighted
}

// StageResult is what one stage contributes: findings for the merger and
// data for downstream stages.
type StageResult struct {
	Findings   []*models.Finding
	Subdomains []string
	LiveURLs   []string
	OpenPorts  map[string][]int
}

// Adapter runs one stage of a scan task.
type Adapter interface {
	ID() string
	Run(ctx context.Context, in *StageInput) (*StageResult, error)
}

// adapterDeps is shared plumbing for all adapters.
type adapterDeps struct {
	runner  CommandRunner
	toolbox Toolbox
	client  *http.Client
}

// runTool launches a subprocess under the task's concurrency gate.
func (d *adapterDeps) runTool(ctx context.Context, gate *semaphore.Weighted, spec CommandSpec, onLine func(string)) (string, error) {
	if gate != nil {
		if err := gate.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer gate.Release(1)
	}
	return d.runner.Run(ctx, spec, onLine)
}

// NewAdapterSet builds the stage-id -> adapter table.
func NewAdapterSet(runner CommandRunner, toolbox Toolbox, httpTimeout time.Duration) map[string]Adapter {
	if httpTimeout <= 0 {
		httpTimeout = 30 * time.Second
	}
	deps := &adapterDeps{
		runner:  runner,
		toolbox: toolbox,
		client: &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConnsPerHost: 4,
			},
		},
	}
	adapters := []Adapter{
		&portProbeAdapter{deps},
		&subdomainEnumAdapter{deps},
		&livenessAdapter{deps},
		&templateScanAdapter{deps},
		&patternScanAdapter{deps},
		&techDetectAdapter{deps},
		&crawlAdapter{deps},
	}
	out := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		out[a.ID()] = a
	}
	return out
}

// stageHosts returns the host list a stage should work on: live hosts when
// an earlier liveness check ran, discovered subdomains next, the task's own
// targets otherwise.
func stageHosts(in *StageInput) []string {
	if len(in.LiveURLs) > 0 {
		hosts := make([]string, 0, len(in.LiveURLs))
		seen := map[string]bool{}
		for _, u := range in.LiveURLs {
			if parsed, err := url.Parse(u); err == nil && parsed.Hostname() != "" {
				if h := parsed.Hostname(); !seen[h] {
					seen[h] = true
					hosts = append(hosts, h)
				}
			}
		}
		return hosts
	}
	if len(in.Subdomains) > 0 {
		return in.Subdomains
	}
	hosts := make([]string, 0, len(in.Task.Targets))
	for _, t := range in.Task.Targets {
		if v := hostOf(t); v != "" {
			hosts = append(hosts, v)
		}
	}
	return hosts
}

// stageURLs returns the URL list for web-facing stages, synthesising
// http:// URLs from bare hosts when no liveness data exists.
func stageURLs(in *StageInput) []string {
	if len(in.LiveURLs) > 0 {
		return in.LiveURLs
	}
	var urls []string
	for _, t := range in.Task.Targets {
		if t.URL != "" {
			urls = append(urls, t.URL)
			continue
		}
		if v := t.Value(); v != "" {
			urls = append(urls, "http://"+v)
		}
	}
	return urls
}

func hostOf(t models.Target) string {
	if t.URL != "" {
		if parsed, err := url.Parse(t.URL); err == nil && parsed.Hostname() != "" {
			return parsed.Hostname()
		}
	}
	return t.Value()
}

// --- port-probe -------------------------------------------------------

type portProbeAdapter struct{ *adapterDeps }

func (portProbeAdapter) ID() string { return StagePortProbe }

func (a *portProbeAdapter) Run(ctx context.Context, in *StageInput) (*StageResult, error) {
	bin, err := a.toolbox.Lookup("nmap")
	if err != nil {
		return nil, err
	}
	hosts := stageHosts(in)
	if len(hosts) == 0 {
		return &StageResult{}, nil
	}

	args := []string{"-oX", "-", "-Pn", "--open"}
	if ports := in.Task.Config.Ports; ports != "" {
		args = append(args, "-p", ports)
	} else {
		args = append(args, "--top-ports", "1000")
	}
	args = append(args, hosts...)

	var xmlOut strings.Builder
	stderr, err := a.runTool(ctx, in.Gate, CommandSpec{Path: bin, Args: args}, func(line string) {
		xmlOut.WriteString(line)
		xmlOut.WriteByte('\n')
	})
	if err != nil {
		return nil, toolError("nmap", stderr, err)
	}

	run, err := parseNmapXML([]byte(xmlOut.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse nmap output: %w", err)
	}

	res := &StageResult{OpenPorts: map[string][]int{}}
	now := time.Now()
	for _, h := range run.Hosts {
		if h.Status.State != "" && h.Status.State != "up" {
			continue
		}
		addr := h.ipv4Address()
		name := h.hostname()
		hostKey := addr
		if hostKey == "" {
			hostKey = name
		}
		for _, p := range h.Ports {
			if p.State.State != "open" {
				continue
			}
			res.OpenPorts[hostKey] = append(res.OpenPorts[hostKey], p.PortID)
			title := fmt.Sprintf("Open port %d/%s", p.PortID, p.Protocol)
			if p.Service.Name != "" {
				title += " (" + p.Service.Name + ")"
			}
			matched := p.Service.Product
			if p.Service.Version != "" {
				matched = strings.TrimSpace(matched + " " + p.Service.Version)
			}
			res.Findings = append(res.Findings, &models.Finding{
				ID:         models.NewID(),
				TaskID:     in.Task.ID,
				Title:      title,
				Severity:   models.SeverityInfo,
				Category:   "network",
				Source:     StagePortProbe,
				Host:       hostKey,
				Port:       p.PortID,
				Evidence:   []models.Evidence{{Source: StagePortProbe, Matched: matched}},
				Confidence: 1.0,
				ObservedAt: now,
			})
		}
	}
	return res, nil
}

// --- subdomain-enum ---------------------------------------------------

type subdomainEnumAdapter struct{ *adapterDeps }

func (subdomainEnumAdapter) ID() string { return StageSubdomainEnum }

func (a *subdomainEnumAdapter) Run(ctx context.Context, in *StageInput) (*StageResult, error) {
	bin, err := a.toolbox.Lookup("subfinder")
	if err != nil {
		return nil, err
	}
	var domains []string
	for _, t := range in.Task.Targets {
		if t.Domain != "" {
			domains = append(domains, t.Domain)
		} else if t.Type == "domain" && t.Value() != "" {
			domains = append(domains, t.Value())
		}
	}
	if len(domains) == 0 {
		return &StageResult{}, nil
	}

	args := []string{"-d", strings.Join(domains, ","), "-json", "-silent"}
	if in.Task.Config.Wordlist != "" {
		args = append(args, "-w", in.Task.Config.Wordlist)
	}

	res := &StageResult{}
	seen := map[string]bool{}
	now := time.Now()
	stderr, err := a.runTool(ctx, in.Gate, CommandSpec{Path: bin, Args: args}, func(line string) {
		var rec subfinderRecord
		if !decodeLine(line, &rec) || rec.Host == "" || seen[rec.Host] {
			return
		}
		seen[rec.Host] = true
		res.Subdomains = append(res.Subdomains, rec.Host)
		res.Findings = append(res.Findings, &models.Finding{
			ID:         models.NewID(),
			TaskID:     in.Task.ID,
			Title:      "Subdomain discovered: " + rec.Host,
			Severity:   models.SeverityInfo,
			Category:   "discovery",
			Source:     StageSubdomainEnum,
			Host:       rec.Host,
			Evidence:   []models.Evidence{{Source: StageSubdomainEnum, Matched: rec.Source}},
			Confidence: 0.9,
			ObservedAt: now,
		})
	})
	if err != nil {
		return nil, toolError("subfinder", stderr, err)
	}
	return res, nil
}

// --- liveness-check ---------------------------------------------------

type livenessAdapter struct{ *adapterDeps }

func (livenessAdapter) ID() string { return StageLivenessCheck }

func (a *livenessAdapter) Run(ctx context.Context, in *StageInput) (*StageResult, error) {
	bin, err := a.toolbox.Lookup("httpx")
	if err != nil {
		return nil, err
	}
	hosts := in.Subdomains
	if len(hosts) == 0 {
		hosts = stageHosts(in)
	}
	if len(hosts) == 0 {
		return &StageResult{}, nil
	}

	args := []string{"-u", strings.Join(hosts, ","), "-json", "-silent", "-status-code", "-title"}

	res := &StageResult{}
	now := time.Now()
	stderr, err := a.runTool(ctx, in.Gate, CommandSpec{Path: bin, Args: args}, func(line string) {
		var rec httpxRecord
		if !decodeLine(line, &rec) || rec.Failed || rec.URL == "" {
			return
		}
		res.LiveURLs = append(res.LiveURLs, rec.URL)
		port, _ := strconv.Atoi(rec.Port)
		res.Findings = append(res.Findings, &models.Finding{
			ID:         models.NewID(),
			TaskID:     in.Task.ID,
			Title:      "Live web service: " + rec.URL,
			Severity:   models.SeverityInfo,
			Category:   "discovery",
			Source:     StageLivenessCheck,
			Host:       rec.Host,
			Port:       port,
			URL:        rec.URL,
			Evidence:   []models.Evidence{{Source: StageLivenessCheck, Matched: fmt.Sprintf("%d %s", rec.StatusCode, rec.Title)}},
			Confidence: 1.0,
			ObservedAt: now,
		})
	})
	if err != nil {
		return nil, toolError("httpx", stderr, err)
	}
	return res, nil
}

// --- template-scan ----------------------------------------------------

type templateScanAdapter struct{ *adapterDeps }

func (templateScanAdapter) ID() string { return StageTemplateScan }

func (a *templateScanAdapter) Run(ctx context.Context, in *StageInput) (*StageResult, error) {
	bin, err := a.toolbox.Lookup("nuclei")
	if err != nil {
		return nil, err
	}
	targets := stageURLs(in)
	if len(targets) == 0 {
		return &StageResult{}, nil
	}

	args := []string{"-u", strings.Join(targets, ","), "-jsonl", "-silent", "-no-color"}
	for _, tpl := range in.Task.Config.Templates {
		args = append(args, "-t", tpl)
	}

	res := &StageResult{}
	now := time.Now()
	stderr, err := a.runTool(ctx, in.Gate, CommandSpec{Path: bin, Args: args}, func(line string) {
		var rec nucleiRecord
		if !decodeLine(line, &rec) || rec.TemplateID == "" {
			return
		}
		res.Findings = append(res.Findings, nucleiFinding(in.Task.ID, rec, now))
	})
	if err != nil {
		return nil, toolError("nuclei", stderr, err)
	}
	return res, nil
}

// nucleiFinding maps one template-scan record onto the shared finding model.
func nucleiFinding(taskID string, rec nucleiRecord, now time.Time) *models.Finding {
	f := &models.Finding{
		ID:          models.NewID(),
		TaskID:      taskID,
		Title:       rec.Info.Name,
		Description: rec.Info.Description,
		Severity:    mapSeverity(rec.Info.Severity),
		Category:    rec.Type,
		Source:      StageTemplateScan,
		Host:        rec.Host,
		URL:         rec.MatchedAt,
		References:  rec.Info.Reference,
		Tags:        rec.Info.Tags,
		Remediation: rec.Info.Remediation,
		Confidence:  0.9,
		ObservedAt:  now,
	}
	if f.Title == "" {
		f.Title = rec.TemplateID
	}
	if port, err := strconv.Atoi(rec.Port); err == nil {
		f.Port = port
	}
	if u, err := url.Parse(rec.MatchedAt); err == nil {
		f.Path = u.Path
		if f.Host == "" {
			f.Host = u.Hostname()
		}
	}
	if len(rec.Info.Classification.CVEID) > 0 {
		f.CVE = strings.ToUpper(rec.Info.Classification.CVEID[0])
	}
	if len(rec.Info.Classification.CWEID) > 0 {
		f.CWE = strings.ToUpper(rec.Info.Classification.CWEID[0])
	}
	matched := rec.MatchedAt
	if len(rec.ExtractedResults) > 0 {
		matched = strings.Join(rec.ExtractedResults, ", ")
	}
	f.Evidence = []models.Evidence{{
		Source:   StageTemplateScan,
		Matched:  matched,
		Request:  rec.Request,
		Response: rec.Response,
	}}
	return f
}

func mapSeverity(s string) models.Severity {
	switch strings.ToLower(s) {
	case "critical":
		return models.SeverityCritical
	case "high":
		return models.SeverityHigh
	case "medium":
		return models.SeverityMedium
	case "low":
		return models.SeverityLow
	default:
		return models.SeverityInfo
	}
}

// --- pattern-scan -----------------------------------------------------

// patternScanAdapter performs built-in HTTP response checks: missing
// security headers and server banner disclosure. It runs in-process, no
// external tool required.
type patternScanAdapter struct{ *adapterDeps }

func (patternScanAdapter) ID() string { return StagePatternScan }

// securityHeaders maps required response headers to the finding raised
// when absent.
var securityHeaders = []struct {
	Header    string
	Title     string
	Severity  models.Severity
	HTTPSOnly bool
}{
	{"X-Content-Type-Options", "Missing X-Content-Type-Options header", models.SeverityLow, false},
	{"X-Frame-Options", "Missing X-Frame-Options header", models.SeverityLow, false},
	{"Content-Security-Policy", "Missing Content-Security-Policy header", models.SeverityLow, false},
	{"Strict-Transport-Security", "Missing Strict-Transport-Security header", models.SeverityMedium, true},
}

func (a *patternScanAdapter) Run(ctx context.Context, in *StageInput) (*StageResult, error) {
	targets := stageURLs(in)
	res := &StageResult{}
	now := time.Now()

	for _, target := range targets {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		findings, err := a.checkURL(ctx, in.Task.ID, target, now)
		if err != nil {
			log.Debug().Err(err).Str("url", target).Msg("Pattern scan target unreachable")
			continue
		}
		res.Findings = append(res.Findings, findings...)
	}
	return res, nil
}

func (a *patternScanAdapter) checkURL(ctx context.Context, taskID, target string, now time.Time) ([]*models.Finding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	parsed, _ := url.Parse(target)
	host := ""
	path := "/"
	isHTTPS := false
	if parsed != nil {
		host = parsed.Hostname()
		if parsed.Path != "" {
			path = parsed.Path
		}
		isHTTPS = parsed.Scheme == "https"
	}

	var out []*models.Finding
	for _, check := range securityHeaders {
		if check.HTTPSOnly && !isHTTPS {
			continue
		}
		if resp.Header.Get(check.Header) != "" {
			continue
		}
		out = append(out, &models.Finding{
			ID:          models.NewID(),
			TaskID:      taskID,
			Title:       check.Title,
			Severity:    check.Severity,
			Category:    "http-header",
			Source:      StagePatternScan,
			Host:        host,
			Path:        path,
			URL:         target,
			CWE:         "CWE-693",
			Evidence:    []models.Evidence{{Source: StagePatternScan, Matched: "header absent: " + check.Header}},
			Remediation: "Set the " + check.Header + " response header.",
			Confidence:  1.0,
			ObservedAt:  now,
		})
	}

	if server := resp.Header.Get("Server"); strings.ContainsAny(server, "0123456789") {
		out = append(out, &models.Finding{
			ID:          models.NewID(),
			TaskID:      taskID,
			Title:       "Server version disclosure",
			Description: "The Server header exposes the software version.",
			Severity:    models.SeverityInfo,
			Category:    "http-header",
			Source:      StagePatternScan,
			Host:        host,
			Path:        path,
			URL:         target,
			CWE:         "CWE-200",
			Evidence:    []models.Evidence{{Source: StagePatternScan, Matched: "Server: " + server}},
			Remediation: "Suppress version details in the Server header.",
			Confidence:  1.0,
			ObservedAt:  now,
		})
	}
	return out, nil
}

// --- tech-detect ------------------------------------------------------

type techDetectAdapter struct{ *adapterDeps }

func (techDetectAdapter) ID() string { return StageTechDetect }

func (a *techDetectAdapter) Run(ctx context.Context, in *StageInput) (*StageResult, error) {
	bin, err := a.toolbox.Lookup("httpx")
	if err != nil {
		return nil, err
	}
	targets := stageURLs(in)
	if len(targets) == 0 {
		return &StageResult{}, nil
	}

	args := []string{"-u", strings.Join(targets, ","), "-json", "-silent", "-tech-detect", "-server"}

	res := &StageResult{}
	now := time.Now()
	stderr, err := a.runTool(ctx, in.Gate, CommandSpec{Path: bin, Args: args}, func(line string) {
		var rec httpxRecord
		if !decodeLine(line, &rec) || rec.Failed || rec.URL == "" {
			return
		}
		techs := rec.Technologies
		if rec.WebServer != "" {
			techs = append(techs, rec.WebServer)
		}
		if len(techs) == 0 {
			return
		}
		port, _ := strconv.Atoi(rec.Port)
		res.Findings = append(res.Findings, &models.Finding{
			ID:         models.NewID(),
			TaskID:     in.Task.ID,
			Title:      "Technology fingerprint: " + strings.Join(techs, ", "),
			Severity:   models.SeverityInfo,
			Category:   "fingerprint",
			Source:     StageTechDetect,
			Host:       rec.Host,
			Port:       port,
			URL:        rec.URL,
			Tags:       techs,
			Evidence:   []models.Evidence{{Source: StageTechDetect, Matched: strings.Join(techs, ", ")}},
			Confidence: 0.8,
			ObservedAt: now,
		})
	})
	if err != nil {
		return nil, toolError("httpx", stderr, err)
	}
	return res, nil
}

// --- crawl ------------------------------------------------------------

const maxCrawlFindings = 500

type crawlAdapter struct{ *adapterDeps }

func (crawlAdapter) ID() string { return StageCrawl }

func (a *crawlAdapter) Run(ctx context.Context, in *StageInput) (*StageResult, error) {
	bin, err := a.toolbox.Lookup("katana")
	if err != nil {
		return nil, err
	}
	targets := stageURLs(in)
	if len(targets) == 0 {
		return &StageResult{}, nil
	}

	depth := in.Task.Config.CrawlDepth
	if depth <= 0 {
		depth = 2
	}
	args := []string{"-u", strings.Join(targets, ","), "-jsonl", "-silent", "-d", strconv.Itoa(depth)}

	res := &StageResult{}
	seen := map[string]bool{}
	now := time.Now()
	stderr, err := a.runTool(ctx, in.Gate, CommandSpec{Path: bin, Args: args}, func(line string) {
		var rec katanaRecord
		if !decodeLine(line, &rec) || rec.Request.Endpoint == "" {
			return
		}
		if len(res.Findings) >= maxCrawlFindings || seen[rec.Request.Endpoint] {
			return
		}
		seen[rec.Request.Endpoint] = true

		parsed, err := url.Parse(rec.Request.Endpoint)
		if err != nil {
			return
		}
		res.Findings = append(res.Findings, &models.Finding{
			ID:         models.NewID(),
			TaskID:     in.Task.ID,
			Title:      "Endpoint discovered: " + parsed.Path,
			Severity:   models.SeverityInfo,
			Category:   "discovery",
			Source:     StageCrawl,
			Host:       parsed.Hostname(),
			Path:       parsed.Path,
			URL:        rec.Request.Endpoint,
			Evidence:   []models.Evidence{{Source: StageCrawl, Matched: fmt.Sprintf("%s %d", rec.Request.Method, rec.Response.StatusCode)}},
			Confidence: 0.9,
			ObservedAt: now,
		})
	})
	if err != nil {
		return nil, toolError("katana", stderr, err)
	}
	return res, nil
}

// toolError wraps a subprocess failure, keeping timeout and cancel
// sentinels intact and attaching the stderr tail otherwise.
func toolError(tool, stderr string, err error) error {
	if errors.Is(err, ErrRunTimeout) || errors.Is(err, ErrRunCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	stderr = strings.TrimSpace(stderr)
	if stderr != "" {
		return fmt.Errorf("%s failed: %w: %s", tool, err, firstLine(stderr))
	}
	return fmt.Errorf("%s failed: %w", tool, err)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
