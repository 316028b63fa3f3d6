// Package apisec implements the API-security scan: JavaScript analysis,
// API endpoint discovery, microservice grouping, unauthorized-access
// probing and sensitive-data detection.
package apisec

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/soclab/argus/internal/config"
	scanerr "github.com/soclab/argus/internal/errors"
	"github.com/soclab/argus/internal/models"
	"github.com/soclab/argus/internal/netguard"
	"github.com/soclab/argus/internal/scanner"
	"github.com/soclab/argus/internal/store"
)

const (
	maxJSBodyBytes    = 1024 * 1024
	maxProbeBodyBytes = 256 * 1024
	maxEndpoints      = 500
)

// defaultBasePaths are tried when the task supplies none.
var defaultBasePaths = []string{"", "/api"}

// Pipeline runs api_security tasks end to end. It satisfies
// scanner.APIPipeline.
type Pipeline struct {
	cfg         *config.Config
	store       store.TaskStore
	validator   *netguard.Validator
	client      *http.Client // follows validated redirects; pages and JS
	probeClient *http.Client // no redirects; endpoint classification
	gate        *semaphore.Weighted
}

// NewPipeline wires the pipeline. The validator is consulted before every
// outbound request, so redirects and discovered URLs cannot escape into
// private address space.
func NewPipeline(cfg *config.Config, st store.TaskStore, validator *netguard.Validator) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		store:     st,
		validator: validator,
		gate:      semaphore.NewWeighted(int64(cfg.APIMaxConcurrentRequests)),
	}
	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConnsPerHost: cfg.APIMaxConcurrentRequests,
	}
	p.client = &http.Client{
		Timeout:   cfg.APIHTTPTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			return p.validator.Validate(req.Context(), req.URL.String())
		},
	}
	p.probeClient = &http.Client{
		Timeout:   cfg.APIHTTPTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return p
}

// Run executes all five phases for one task.
func (p *Pipeline) Run(ctx context.Context, task *models.ScanTask, emit *scanner.Emitter) ([]*models.Finding, error) {
	baseURLs := taskBaseURLs(task)
	if len(baseURLs) == 0 {
		return nil, scanerr.Newf(scanerr.KindInvalidTarget, "api_security", "no URL targets").WithTask(task.ID)
	}

	emit.Progress("js-extraction", 0, 0, 5)
	resources, jsBodies, err := p.extractJS(ctx, task, baseURLs)
	if err != nil {
		return nil, err
	}
	if err := p.store.SaveJSResources(ctx, task.ID, resources); err != nil {
		return nil, err
	}
	emit.Progress("api-discovery", 20, 1, 5)

	candidates := p.discoverEndpoints(task, baseURLs, resources)
	emit.Progress("service-grouping", 40, 2, 5)

	probes, err := p.probeEndpoints(ctx, candidates)
	if err != nil {
		return nil, err
	}

	endpoints, services := p.groupServices(task, candidates, probes)
	if err := p.store.SaveEndpoints(ctx, task.ID, endpoints); err != nil {
		return nil, err
	}
	if err := p.store.SaveMicroservices(ctx, task.ID, services); err != nil {
		return nil, err
	}
	emit.Progress("access-probing", 60, 3, 5)

	issues := p.accessIssues(task, endpoints)
	emit.Progress("sensitive-data", 80, 4, 5)

	issues = append(issues, p.sensitiveIssues(task, jsBodies, candidates, probes)...)
	if err := p.store.SaveIssues(ctx, task.ID, issues); err != nil {
		return nil, err
	}

	findings := issueFindings(task, issues)
	for _, f := range findings {
		emit.Finding(f)
	}
	emit.Progress("done", 100, 5, 5)

	log.Info().
		Str("task", task.ID).
		Int("js_resources", len(resources)).
		Int("endpoints", len(endpoints)).
		Int("services", len(services)).
		Int("issues", len(issues)).
		Msg("API security scan finished")
	return findings, nil
}

// taskBaseURLs normalises the task's targets into base URLs.
func taskBaseURLs(task *models.ScanTask) []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range task.Targets {
		u := t.URL
		if u == "" {
			if v := t.Value(); v != "" {
				u = "https://" + v
			}
		}
		u = strings.TrimRight(u, "/")
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// extractJS is phase 1: fetch each base page, collect its scripts, fetch
// them and mine API paths. Bodies are retained in memory for phase 5.
func (p *Pipeline) extractJS(ctx context.Context, task *models.ScanTask, baseURLs []string) ([]*models.JSResource, map[string]string, error) {
	type jsRef struct{ base, abs string }
	var refs []jsRef
	seen := map[string]bool{}

	for _, base := range baseURLs {
		body, _, err := p.fetch(ctx, base, maxJSBodyBytes)
		if err != nil {
			log.Debug().Err(err).Str("url", base).Msg("Base page fetch failed")
			continue
		}
		parsed, err := url.Parse(base)
		if err != nil {
			continue
		}
		for _, ref := range extractScriptURLs(body) {
			resolved, err := parsed.Parse(ref)
			if err != nil || (resolved.Scheme != "http" && resolved.Scheme != "https") {
				continue
			}
			abs := resolved.String()
			if !seen[abs] {
				seen[abs] = true
				refs = append(refs, jsRef{base: base, abs: abs})
			}
		}
	}
	if len(refs) > p.cfg.APIMaxJSFiles {
		refs = refs[:p.cfg.APIMaxJSFiles]
	}

	var mu sync.Mutex
	var resources []*models.JSResource
	bodies := make(map[string]string, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			body, _, err := p.fetch(gctx, ref.abs, maxJSBodyBytes)
			if err != nil {
				log.Debug().Err(err).Str("url", ref.abs).Msg("JS fetch failed")
				return nil
			}
			sum := sha256.Sum256([]byte(body))
			res := &models.JSResource{
				ID:          models.NewID(),
				TaskID:      task.ID,
				URL:         ref.abs,
				ContentHash: hex.EncodeToString(sum[:]),
				APIPaths:    extractAPIPaths(body),
				Size:        len(body),
				FetchedAt:   time.Now(),
			}
			mu.Lock()
			resources = append(resources, res)
			bodies[ref.abs] = body
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].URL < resources[j].URL })
	return resources, bodies, nil
}

// discoverEndpoints is phase 2: cross base URLs, base API paths and mined
// paths into a bounded candidate set.
func (p *Pipeline) discoverEndpoints(task *models.ScanTask, baseURLs []string, resources []*models.JSResource) []*models.APIEndpoint {
	basePaths := task.Config.BaseAPIPaths
	if len(basePaths) == 0 {
		basePaths = defaultBasePaths
	}

	var apiPaths []string
	seenPath := map[string]bool{}
	for _, r := range resources {
		for _, ap := range r.APIPaths {
			if !seenPath[ap] {
				seenPath[ap] = true
				apiPaths = append(apiPaths, ap)
			}
		}
	}

	var out []*models.APIEndpoint
	seenURL := map[string]bool{}
	for _, base := range baseURLs {
		for _, bp := range basePaths {
			for _, ap := range apiPaths {
				ep := &models.APIEndpoint{
					ID:          models.NewID(),
					TaskID:      task.ID,
					BaseURL:     base,
					BaseAPIPath: bp,
					ServicePath: servicePathOf(ap),
					APIPath:     ap,
					Method:      http.MethodGet,
					CreatedAt:   time.Now(),
				}
				full := ep.FullURL()
				if seenURL[full] {
					continue
				}
				seenURL[full] = true
				out = append(out, ep)
				if len(out) >= maxEndpoints {
					return out
				}
			}
		}
	}
	return out
}

// probeEndpoints is the HTTP half of phases 3 and 4: one bounded GET per
// candidate. Unreachable candidates get no probe entry.
func (p *Pipeline) probeEndpoints(ctx context.Context, candidates []*models.APIEndpoint) (map[string]probeResult, error) {
	probes := make(map[string]probeResult, len(candidates))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range candidates {
		ep := ep
		g.Go(func() error {
			res, err := p.probe(gctx, ep.FullURL())
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Debug().Err(err).Str("url", ep.FullURL()).Msg("Endpoint probe failed")
				return nil
			}
			mu.Lock()
			probes[ep.ID] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return probes, nil
}

// groupServices is phase 3 plus the endpoint filter: classified endpoints
// grouped into microservices with detected technologies. not_found
// endpoints are dropped unless the task keeps them.
func (p *Pipeline) groupServices(task *models.ScanTask, candidates []*models.APIEndpoint, probes map[string]probeResult) ([]*models.APIEndpoint, []*models.Microservice) {
	type svcKey struct{ base, service string }
	groups := map[svcKey]*models.Microservice{}
	var kept []*models.APIEndpoint
	var order []svcKey

	for _, ep := range candidates {
		res, probed := probes[ep.ID]
		if !probed {
			continue
		}
		ep.Status = res.Status
		ep.ResponseSize = res.Size
		ep.Access = classifyAccess(res)
		if ep.Access == models.AccessNotFound && !task.Config.IncludeNotFound {
			continue
		}
		kept = append(kept, ep)

		key := svcKey{ep.BaseURL, ep.ServicePath}
		svc, ok := groups[key]
		if !ok {
			svc = &models.Microservice{
				ID:          models.NewID(),
				TaskID:      task.ID,
				BaseURL:     ep.BaseURL,
				ServiceName: strings.TrimPrefix(ep.ServicePath, "/"),
				CreatedAt:   time.Now(),
			}
			if svc.ServiceName == "" {
				svc.ServiceName = "root"
			}
			groups[key] = svc
			order = append(order, key)
		}
		svc.EndpointIDs = append(svc.EndpointIDs, ep.ID)
		for _, tech := range detectTechnologies(res) {
			if !containsString(svc.Technologies, tech) {
				svc.Technologies = append(svc.Technologies, tech)
			}
		}
	}

	services := make([]*models.Microservice, 0, len(order))
	for _, key := range order {
		services = append(services, groups[key])
	}
	return kept, services
}

// accessIssues is phase 4's reporting half: every endpoint serving data
// without authentication becomes an issue.
func (p *Pipeline) accessIssues(task *models.ScanTask, endpoints []*models.APIEndpoint) []*models.APISecurityIssue {
	var out []*models.APISecurityIssue
	for _, ep := range endpoints {
		if ep.Access != models.AccessUnauthPrivate {
			continue
		}
		out = append(out, &models.APISecurityIssue{
			ID:        models.NewID(),
			TaskID:    task.ID,
			Type:      "unauthorized_access",
			Severity:  models.SeverityHigh,
			TargetURL: ep.FullURL(),
			Evidence:  fmt.Sprintf("HTTP %d, %d bytes of structured data without authentication", ep.Status, ep.ResponseSize),
			RuleName:  "unauthenticated-data-endpoint",
			CreatedAt: time.Now(),
		})
	}
	return out
}

// sensitiveIssues is phase 5: rule scan over JS bodies and probe bodies.
func (p *Pipeline) sensitiveIssues(task *models.ScanTask, jsBodies map[string]string, candidates []*models.APIEndpoint, probes map[string]probeResult) []*models.APISecurityIssue {
	var out []*models.APISecurityIssue

	jsURLs := make([]string, 0, len(jsBodies))
	for u := range jsBodies {
		jsURLs = append(jsURLs, u)
	}
	sort.Strings(jsURLs)
	for _, u := range jsURLs {
		out = append(out, matchesToIssues(task.ID, u, scanSensitive(jsBodies[u]))...)
	}

	for _, ep := range candidates {
		res, ok := probes[ep.ID]
		if !ok || res.Body == "" {
			continue
		}
		out = append(out, matchesToIssues(task.ID, ep.FullURL(), scanSensitive(res.Body))...)
	}
	return out
}

func matchesToIssues(taskID, targetURL string, matches []sensitiveMatch) []*models.APISecurityIssue {
	out := make([]*models.APISecurityIssue, 0, len(matches))
	for _, m := range matches {
		out = append(out, &models.APISecurityIssue{
			ID:        models.NewID(),
			TaskID:    taskID,
			Type:      "sensitive_data",
			Severity:  m.Rule.Severity,
			TargetURL: targetURL,
			Evidence:  m.Excerpt,
			RuleName:  m.Rule.Name,
			CreatedAt: time.Now(),
		})
	}
	return out
}

// issueFindings projects issues into the shared finding model so the
// results surface alongside other scan types.
func issueFindings(task *models.ScanTask, issues []*models.APISecurityIssue) []*models.Finding {
	now := time.Now()
	out := make([]*models.Finding, 0, len(issues))
	for _, iss := range issues {
		title := "Sensitive data exposure: " + iss.RuleName
		category := "sensitive-data"
		if iss.Type == "unauthorized_access" {
			title = "Unauthenticated API endpoint"
			category = "access-control"
		}
		parsed, _ := url.Parse(iss.TargetURL)
		f := &models.Finding{
			ID:         models.NewID(),
			TaskID:     task.ID,
			Title:      title,
			Severity:   iss.Severity,
			Category:   category,
			Source:     "api-security",
			URL:        iss.TargetURL,
			Evidence:   []models.Evidence{{Source: "api-security", Matched: iss.Evidence}},
			Confidence: 0.8,
			ObservedAt: now,
		}
		if parsed != nil {
			f.Host = parsed.Hostname()
			f.Path = parsed.Path
		}
		out = append(out, f)
	}
	return out
}

// fetch GETs a validated URL with a bounded body read.
func (p *Pipeline) fetch(ctx context.Context, rawURL string, limit int64) (string, *http.Response, error) {
	return p.get(ctx, p.client, rawURL, limit)
}

func (p *Pipeline) get(ctx context.Context, client *http.Client, rawURL string, limit int64) (string, *http.Response, error) {
	if err := p.validator.Validate(ctx, rawURL); err != nil {
		return "", nil, err
	}
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return "", nil, err
	}
	defer p.gate.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", resp, err
	}
	return string(body), resp, nil
}

// probe GETs an endpoint candidate and packages the observation. Redirects
// are not followed; the classifier inspects them.
func (p *Pipeline) probe(ctx context.Context, rawURL string) (probeResult, error) {
	body, resp, err := p.get(ctx, p.probeClient, rawURL, maxProbeBodyBytes)
	if err != nil || resp == nil {
		return probeResult{}, err
	}
	return probeResult{
		Status:      resp.StatusCode,
		Size:        len(body),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Header:      resp.Header,
	}, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
