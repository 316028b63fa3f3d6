package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	scanerr "github.com/soclab/argus/internal/errors"
	"github.com/soclab/argus/internal/importer"
	"github.com/soclab/argus/internal/models"
)

const maxRequestBody = 32 << 20

// writeJSON sends a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError sends the error envelope.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeScanError maps a domain error onto the wire.
func writeScanError(w http.ResponseWriter, err error) {
	writeError(w, scanerr.HTTPStatus(err), string(scanerr.KindOf(err)), err.Error())
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     r.version,
		"subscribers": r.hub.SubscriberCount(),
	})
}

// submitRequest is the task submission payload.
type submitRequest struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	Type             models.TaskType   `json:"type"`
	Priority         models.Priority   `json:"priority"`
	Targets          []models.Target   `json:"targets"`
	Config           models.ScanConfig `json:"config"`
	Schedule         models.Schedule   `json:"schedule"`
	MaxRetries       int               `json:"max_retries"`
	RetryDelaySec    int               `json:"retry_delay_seconds"`
	MaxExecutionSec  *int              `json:"max_execution_seconds"`
}

func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request, id identity) {
	var body submitRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	// Absent means "use the configured default"; an explicit zero or
	// negative value is a client error.
	var maxExec time.Duration
	if body.MaxExecutionSec != nil {
		if *body.MaxExecutionSec <= 0 {
			writeError(w, http.StatusBadRequest, string(scanerr.KindInvalidConfig), "max_execution_seconds must be positive")
			return
		}
		maxExec = time.Duration(*body.MaxExecutionSec) * time.Second
	}

	task := &models.ScanTask{
		Name:             body.Name,
		Description:      body.Description,
		Type:             body.Type,
		Priority:         body.Priority,
		Principal:        id.Principal,
		Targets:          body.Targets,
		Config:           body.Config,
		Schedule:         body.Schedule,
		MaxRetries:       body.MaxRetries,
		RetryDelay:       time.Duration(body.RetryDelaySec) * time.Second,
		MaxExecutionTime: maxExec,
	}
	created, err := r.sched.Submit(req.Context(), task)
	if err != nil {
		writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request, id identity) {
	q := req.URL.Query()
	filter := models.TaskFilter{}
	if !id.Admin {
		filter.Principal = id.Principal
	} else if p := q.Get("principal"); p != "" {
		filter.Principal = p
	}
	for _, v := range splitParam(q.Get("state")) {
		filter.States = append(filter.States, models.TaskState(v))
	}
	for _, v := range splitParam(q.Get("type")) {
		filter.Types = append(filter.Types, models.TaskType(v))
	}
	for _, v := range splitParam(q.Get("priority")) {
		filter.Priorities = append(filter.Priorities, models.Priority(v))
	}
	if t, ok := parseTimeParam(q.Get("created_after")); ok {
		filter.CreatedAfter = &t
	}
	if t, ok := parseTimeParam(q.Get("created_before")); ok {
		filter.CreatedBefore = &t
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	page, err := r.store.List(req.Context(), filter, offset, limit)
	if err != nil {
		writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request, id identity) {
	principal := id.Principal
	if id.Admin {
		principal = req.URL.Query().Get("principal")
	}
	stats, err := r.store.Stats(req.Context(), principal)
	if err != nil {
		writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleGet(w http.ResponseWriter, req *http.Request, id identity) {
	task, err := r.visibleTask(req, id)
	if err != nil {
		writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// patchRequest covers the mutable metadata of a pending task.
type patchRequest struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Priority    *models.Priority `json:"priority"`
}

func (r *Router) handlePatch(w http.ResponseWriter, req *http.Request, id identity) {
	task, err := r.visibleTask(req, id)
	if err != nil {
		writeScanError(w, err)
		return
	}
	if task.State != models.StatePending {
		writeError(w, http.StatusConflict, string(scanerr.KindConflict), "only pending tasks can be edited")
		return
	}

	var body patchRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if body.Name != nil {
		task.Name = *body.Name
	}
	if body.Description != nil {
		task.Description = *body.Description
	}
	if body.Priority != nil {
		if !body.Priority.Valid() {
			writeError(w, http.StatusBadRequest, string(scanerr.KindInvalidConfig), fmt.Sprintf("unknown priority %q", *body.Priority))
			return
		}
		task.Priority = *body.Priority
	}
	if err := r.store.Put(req.Context(), task); err != nil {
		writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request, id identity) {
	if err := r.sched.Delete(req.Context(), req.PathValue("id"), id.Principal, id.Admin); err != nil {
		writeScanError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request, id identity) {
	if err := r.sched.Cancel(req.Context(), req.PathValue("id"), id.Principal, id.Admin); err != nil {
		writeScanError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Router) handleStart(w http.ResponseWriter, req *http.Request, id identity) {
	if err := r.sched.StartNow(req.Context(), req.PathValue("id"), id.Principal, id.Admin); err != nil {
		writeScanError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Router) handleRestart(w http.ResponseWriter, req *http.Request, id identity) {
	task, err := r.sched.Restart(req.Context(), req.PathValue("id"), id.Principal, id.Admin)
	if err != nil {
		writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (r *Router) handleClone(w http.ResponseWriter, req *http.Request, id identity) {
	task, err := r.sched.Clone(req.Context(), req.PathValue("id"), id.Principal, id.Admin)
	if err != nil {
		writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (r *Router) handleResults(w http.ResponseWriter, req *http.Request, id identity) {
	task, err := r.visibleTask(req, id)
	if err != nil {
		writeScanError(w, err)
		return
	}
	ctx := req.Context()

	findings, err := r.store.Findings(ctx, task.ID)
	if err != nil {
		writeScanError(w, err)
		return
	}
	result := map[string]any{
		"task":     task,
		"findings": findings,
	}
	if task.Type == models.TaskAPISecurity {
		if rs, err := r.store.JSResources(ctx, task.ID); err == nil {
			result["js_resources"] = rs
		}
		if eps, err := r.store.Endpoints(ctx, task.ID); err == nil {
			result["endpoints"] = eps
		}
		if ms, err := r.store.Microservices(ctx, task.ID); err == nil {
			result["microservices"] = ms
		}
		if issues, err := r.store.Issues(ctx, task.ID); err == nil {
			result["issues"] = issues
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// handleLogs returns the execution trace of a task: per-stage outcomes,
// recorded errors and lifecycle timestamps.
func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request, id identity) {
	task, err := r.visibleTask(req, id)
	if err != nil {
		writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":        task.ID,
		"state":          task.State,
		"reason":         task.Reason,
		"retry_count":    task.RetryCount,
		"stage_statuses": task.StageStatuses,
		"error_messages": task.ErrorMessages,
		"created_at":     task.CreatedAt,
		"started_at":     task.StartedAt,
		"completed_at":   task.CompletedAt,
		"duration_ms":    task.Duration().Milliseconds(),
	})
}

func (r *Router) handleExport(w http.ResponseWriter, req *http.Request, id identity) {
	task, err := r.visibleTask(req, id)
	if err != nil {
		writeScanError(w, err)
		return
	}
	findings, err := r.store.Findings(req.Context(), task.ID)
	if err != nil {
		writeScanError(w, err)
		return
	}

	format := req.URL.Query().Get("format")
	switch format {
	case "", "json":
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-findings.json", task.ID))
		writeJSON(w, http.StatusOK, findings)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-findings.csv", task.ID))
		exportCSV(w, findings)
	default:
		writeError(w, http.StatusBadRequest, string(scanerr.KindInvalidConfig), fmt.Sprintf("unknown export format %q", format))
	}
}

func exportCSV(w http.ResponseWriter, findings []*models.Finding) {
	cw := csv.NewWriter(w)
	defer cw.Flush()
	cw.Write([]string{"id", "title", "severity", "category", "host", "port", "path", "url", "cve", "cwe", "confidence", "sources"})
	for _, f := range findings {
		sources := make([]string, 0, len(f.Sources))
		for _, s := range f.Sources {
			sources = append(sources, s.Source)
		}
		cw.Write([]string{
			f.ID, f.Title, string(f.Severity), f.Category,
			f.Host, strconv.Itoa(f.Port), f.Path, f.URL,
			f.CVE, f.CWE,
			strconv.FormatFloat(f.Confidence, 'f', 2, 64),
			strings.Join(sources, ";"),
		})
	}
}

func (r *Router) handleImport(w http.ResponseWriter, req *http.Request, id identity) {
	format := importer.Format(req.URL.Query().Get("format"))
	if format == "" {
		format = importer.FormatCSV
	}
	targets, err := importer.Import(http.MaxBytesReader(w, req.Body, maxRequestBody), format)
	if err != nil {
		writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"targets": targets,
		"count":   len(targets),
	})
}

// visibleTask loads the path task and enforces ownership.
func (r *Router) visibleTask(req *http.Request, id identity) (*models.ScanTask, error) {
	task, err := r.store.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if !id.Admin && task.Principal != id.Principal {
		return nil, scanerr.Newf(scanerr.KindForbidden, "get", "task belongs to another principal").WithTask(task.ID)
	}
	return task, nil
}

func decodeJSON(req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, req.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTimeParam(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
