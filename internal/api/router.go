// Package api exposes the scan orchestrator over HTTP.
//
// Authentication is delegated to the fronting proxy: the principal
// arrives in X-Auth-User and roles in X-Auth-Roles. Requests without a
// principal are rejected except for health and metrics.
package api

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soclab/argus/internal/config"
	"github.com/soclab/argus/internal/events"
	"github.com/soclab/argus/internal/netguard"
	"github.com/soclab/argus/internal/scheduler"
	"github.com/soclab/argus/internal/store"
)

// Router is the top-level HTTP handler.
type Router struct {
	mux       *http.ServeMux
	cfg       *config.Config
	store     store.TaskStore
	sched     *scheduler.Scheduler
	hub       *events.Hub
	validator *netguard.Validator
	version   string
}

// NewRouter wires all routes.
func NewRouter(cfg *config.Config, st store.TaskStore, sched *scheduler.Scheduler, hub *events.Hub, validator *netguard.Validator, version string) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		store:     st,
		sched:     sched,
		hub:       hub,
		validator: validator,
		version:   version,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET /api/health", r.handleHealth)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.mux.HandleFunc("POST /api/scans", r.withPrincipal(r.handleSubmit))
	r.mux.HandleFunc("GET /api/scans", r.withPrincipal(r.handleList))
	r.mux.HandleFunc("GET /api/scans/stats", r.withPrincipal(r.handleStats))
	r.mux.HandleFunc("POST /api/scans/import", r.withPrincipal(r.handleImport))

	r.mux.HandleFunc("GET /api/scans/{id}", r.withPrincipal(r.handleGet))
	r.mux.HandleFunc("PATCH /api/scans/{id}", r.withPrincipal(r.handlePatch))
	r.mux.HandleFunc("DELETE /api/scans/{id}", r.withPrincipal(r.handleDelete))

	r.mux.HandleFunc("POST /api/scans/{id}/cancel", r.withPrincipal(r.handleCancel))
	r.mux.HandleFunc("POST /api/scans/{id}/start", r.withPrincipal(r.handleStart))
	r.mux.HandleFunc("POST /api/scans/{id}/restart", r.withPrincipal(r.handleRestart))
	r.mux.HandleFunc("POST /api/scans/{id}/clone", r.withPrincipal(r.handleClone))

	r.mux.HandleFunc("GET /api/scans/{id}/results", r.withPrincipal(r.handleResults))
	r.mux.HandleFunc("GET /api/scans/{id}/logs", r.withPrincipal(r.handleLogs))
	r.mux.HandleFunc("GET /api/scans/{id}/export", r.withPrincipal(r.handleExport))

	r.mux.HandleFunc("GET /ws", r.handleWS)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// identity is the caller extracted from proxy headers.
type identity struct {
	Principal string
	Admin     bool
}

func callerIdentity(req *http.Request) identity {
	id := identity{Principal: strings.TrimSpace(req.Header.Get("X-Auth-User"))}
	for _, role := range strings.Split(req.Header.Get("X-Auth-Roles"), ",") {
		if strings.EqualFold(strings.TrimSpace(role), "admin") {
			id.Admin = true
		}
	}
	return id
}

// withPrincipal rejects requests lacking an authenticated principal.
func (r *Router) withPrincipal(next func(http.ResponseWriter, *http.Request, identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := callerIdentity(req)
		if id.Principal == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing X-Auth-User header")
			return
		}
		next(w, req, id)
	}
}

// handleWS upgrades to the event stream.
func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	id := callerIdentity(req)
	if id.Principal == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing X-Auth-User header")
		return
	}
	r.hub.ServeWS(w, req, id.Principal, id.Admin)
}
