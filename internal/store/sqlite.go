package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	scanerr "github.com/soclab/argus/internal/errors"
	"github.com/soclab/argus/internal/models"
)

// SQLiteStore implements TaskStore on a local SQLite database.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (or creates) the task database under dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "argus.db")

	// Pragmas in the DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Task store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scan_tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		principal TEXT NOT NULL,
		state TEXT NOT NULL,
		reason TEXT,
		targets TEXT NOT NULL,
		config TEXT NOT NULL,
		schedule TEXT NOT NULL,
		total_targets INTEGER NOT NULL DEFAULT 0,
		processed_targets INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		percent INTEGER NOT NULL DEFAULT 0,
		stage_statuses TEXT,
		error_messages TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		retry_delay_ms INTEGER NOT NULL DEFAULT 0,
		max_execution_ms INTEGER NOT NULL DEFAULT 0,
		parent_task_id TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_created ON scan_tasks(created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_state ON scan_tasks(state);
	CREATE INDEX IF NOT EXISTS idx_tasks_principal ON scan_tasks(principal);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON scan_tasks(parent_task_id) WHERE parent_task_id != '';

	CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES scan_tasks(id) ON DELETE CASCADE,
		fingerprint TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		severity TEXT NOT NULL,
		category TEXT,
		source TEXT,
		host TEXT,
		port INTEGER,
		path TEXT,
		url TEXT,
		cve TEXT,
		cwe TEXT,
		owasp TEXT,
		evidence TEXT,
		refs TEXT,
		tags TEXT,
		remediation TEXT,
		confidence REAL NOT NULL DEFAULT 0,
		sources TEXT,
		observed_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_findings_task ON findings(task_id);
	CREATE INDEX IF NOT EXISTS idx_findings_created ON findings(created_at);
	CREATE INDEX IF NOT EXISTS idx_findings_fingerprint ON findings(fingerprint);

	CREATE TABLE IF NOT EXISTS js_resources (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES scan_tasks(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		api_paths TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		fetched_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jsres_task ON js_resources(task_id);
	CREATE INDEX IF NOT EXISTS idx_jsres_created ON js_resources(created_at);

	CREATE TABLE IF NOT EXISTS api_endpoints (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES scan_tasks(id) ON DELETE CASCADE,
		base_url TEXT NOT NULL,
		base_api_path TEXT,
		service_path TEXT,
		api_path TEXT NOT NULL,
		method TEXT NOT NULL,
		status INTEGER,
		response_size INTEGER,
		access TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_endpoints_task ON api_endpoints(task_id);
	CREATE INDEX IF NOT EXISTS idx_endpoints_created ON api_endpoints(created_at);

	CREATE TABLE IF NOT EXISTS microservices (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES scan_tasks(id) ON DELETE CASCADE,
		base_url TEXT NOT NULL,
		service_name TEXT NOT NULL,
		endpoint_ids TEXT,
		technologies TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_micro_task ON microservices(task_id);
	CREATE INDEX IF NOT EXISTS idx_micro_created ON microservices(created_at);

	CREATE TABLE IF NOT EXISTS api_security_issues (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES scan_tasks(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		target_url TEXT NOT NULL,
		evidence TEXT,
		rule_name TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_issues_task ON api_security_issues(task_id);
	CREATE INDEX IF NOT EXISTS idx_issues_created ON api_security_issues(created_at);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().Unix())
	return err
}

// Put inserts or replaces the full task row.
func (s *SQLiteStore) Put(ctx context.Context, task *models.ScanTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets, err := json.Marshal(task.Targets)
	if err != nil {
		return fmt.Errorf("failed to marshal targets: %w", err)
	}
	config, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	schedule, err := json.Marshal(task.Schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	stages, _ := json.Marshal(task.StageStatuses)
	errMsgs, _ := json.Marshal(task.ErrorMessages)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_tasks (
			id, name, description, type, priority, principal, state, reason,
			targets, config, schedule,
			total_targets, processed_targets, success_count, error_count, percent,
			stage_statuses, error_messages,
			retry_count, max_retries, retry_delay_ms, max_execution_ms,
			parent_task_id, created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			type = excluded.type,
			priority = excluded.priority,
			state = excluded.state,
			reason = excluded.reason,
			targets = excluded.targets,
			config = excluded.config,
			schedule = excluded.schedule,
			total_targets = excluded.total_targets,
			processed_targets = excluded.processed_targets,
			success_count = excluded.success_count,
			error_count = excluded.error_count,
			percent = excluded.percent,
			stage_statuses = excluded.stage_statuses,
			error_messages = excluded.error_messages,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			retry_delay_ms = excluded.retry_delay_ms,
			max_execution_ms = excluded.max_execution_ms,
			parent_task_id = excluded.parent_task_id,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		task.ID, task.Name, task.Description, string(task.Type), string(task.Priority),
		task.Principal, string(task.State), task.Reason,
		string(targets), string(config), string(schedule),
		task.TotalTargets, task.ProcessedTargets, task.SuccessCount, task.ErrorCount, task.Percent,
		string(stages), string(errMsgs),
		task.RetryCount, task.MaxRetries, task.RetryDelay.Milliseconds(), task.MaxExecutionTime.Milliseconds(),
		task.ParentTaskID, task.CreatedAt.Unix(), nullableUnix(task.StartedAt), nullableUnix(task.CompletedAt),
		time.Now().Unix(),
	)
	if err != nil {
		return scanerr.New(scanerr.KindStorage, "put_task", err).WithTask(task.ID)
	}
	return nil
}

// Get loads a task by id, including its child task ids.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.ScanTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, taskSelect+" WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, scanerr.Newf(scanerr.KindNotFound, "get_task", "task %s not found", id).WithTask(id)
	}
	if err != nil {
		return nil, scanerr.New(scanerr.KindStorage, "get_task", err).WithTask(id)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM scan_tasks WHERE parent_task_id = ? ORDER BY created_at`, id)
	if err != nil {
		return nil, scanerr.New(scanerr.KindStorage, "get_task", err).WithTask(id)
	}
	defer rows.Close()
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, fmt.Errorf("failed to scan child id: %w", err)
		}
		task.ChildTaskIDs = append(task.ChildTaskIDs, child)
	}
	return task, rows.Err()
}

// List returns a filtered page ordered by created_at descending.
func (s *SQLiteStore) List(ctx context.Context, filter models.TaskFilter, offset, limit int) (*models.TaskPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := buildFilter(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scan_tasks"+where, args...).Scan(&total); err != nil {
		return nil, scanerr.New(scanerr.KindStorage, "list_tasks", err)
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := taskSelect + where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, scanerr.New(scanerr.KindStorage, "list_tasks", err)
	}
	defer rows.Close()

	page := &models.TaskPage{Total: total, Offset: offset, Limit: limit}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		page.Tasks = append(page.Tasks, task)
	}
	return page, rows.Err()
}

// Stats aggregates counts by state, type and priority plus the average
// execution time over completed tasks.
func (s *SQLiteStore) Stats(ctx context.Context, principal string) (*models.TaskStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := ""
	args := []any{}
	if principal != "" {
		where = " WHERE principal = ?"
		args = append(args, principal)
	}

	stats := &models.TaskStats{
		ByState:    map[models.TaskState]int{},
		ByType:     map[models.TaskType]int{},
		ByPriority: map[models.Priority]int{},
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT state, type, priority, started_at, completed_at FROM scan_tasks"+where, args...)
	if err != nil {
		return nil, scanerr.New(scanerr.KindStorage, "task_stats", err)
	}
	defer rows.Close()

	var durTotal int64
	var durCount int64
	for rows.Next() {
		var state, typ, prio string
		var started, completed sql.NullInt64
		if err := rows.Scan(&state, &typ, &prio, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.ByState[models.TaskState(state)]++
		stats.ByType[models.TaskType(typ)]++
		stats.ByPriority[models.Priority(prio)]++
		if models.TaskState(state) == models.StateCompleted && started.Valid && completed.Valid {
			durTotal += (completed.Int64 - started.Int64) * 1000
			durCount++
		}
	}
	if durCount > 0 {
		stats.AvgDurationMS = durTotal / durCount
	}
	return stats, rows.Err()
}

// UpdateState performs the compare-and-set lifecycle transition.
func (s *SQLiteStore) UpdateState(ctx context.Context, id string, from, to models.TaskState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	var res sql.Result
	var err error

	switch {
	case to.Terminal():
		res, err = s.db.ExecContext(ctx, `
			UPDATE scan_tasks SET state = ?, reason = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(to), reason, now, now, id, string(from))
	case to == models.StateRunning:
		res, err = s.db.ExecContext(ctx, `
			UPDATE scan_tasks SET state = ?, reason = '', started_at = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(to), now, now, id, string(from))
	case to == models.StatePending:
		// Restart / re-queue: completed_at is cleared
		res, err = s.db.ExecContext(ctx, `
			UPDATE scan_tasks SET state = ?, reason = '', started_at = NULL, completed_at = NULL, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(to), now, id, string(from))
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE scan_tasks SET state = ?, reason = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(to), reason, now, id, string(from))
	}
	if err != nil {
		return scanerr.New(scanerr.KindStorage, "update_state", err).WithTask(id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return scanerr.New(scanerr.KindStorage, "update_state", err).WithTask(id)
	}
	if n == 0 {
		// Either the task is gone or another writer won the race
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_tasks WHERE id = ?`, id).Scan(&exists); err == nil && exists == 0 {
			return scanerr.Newf(scanerr.KindNotFound, "update_state", "task %s not found", id).WithTask(id)
		}
		return scanerr.Newf(scanerr.KindConflict, "update_state", "task %s is not in state %s", id, from).WithTask(id)
	}
	return nil
}

// Delete cascades through every artefact table via foreign keys.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM scan_tasks WHERE id = ?`, id)
	if err != nil {
		return scanerr.New(scanerr.KindStorage, "delete_task", err).WithTask(id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return scanerr.Newf(scanerr.KindNotFound, "delete_task", "task %s not found", id).WithTask(id)
	}
	return nil
}

// AppendFindings stores merged findings for a task.
func (s *SQLiteStore) AppendFindings(ctx context.Context, taskID string, findings []*models.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return scanerr.New(scanerr.KindStorage, "append_findings", err).WithTask(taskID)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, f := range findings {
		evidence, _ := json.Marshal(f.Evidence)
		refs, _ := json.Marshal(f.References)
		tags, _ := json.Marshal(f.Tags)
		sources, _ := json.Marshal(f.Sources)
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO findings (
				id, task_id, fingerprint, title, description, severity, category, source,
				host, port, path, url, cve, cwe, owasp,
				evidence, refs, tags, remediation, confidence, sources, observed_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, taskID, f.Fingerprint, f.Title, f.Description, string(f.Severity), f.Category, f.Source,
			f.Host, f.Port, f.Path, f.URL, f.CVE, f.CWE, f.OWASP,
			string(evidence), string(refs), string(tags), f.Remediation, f.Confidence, string(sources),
			f.ObservedAt.Unix(), now,
		)
		if err != nil {
			return scanerr.New(scanerr.KindStorage, "append_findings", err).WithTask(taskID)
		}
	}
	if err := tx.Commit(); err != nil {
		return scanerr.New(scanerr.KindStorage, "append_findings", err).WithTask(taskID)
	}
	return nil
}

// Findings loads a task's merged findings ordered by creation.
func (s *SQLiteStore) Findings(ctx context.Context, taskID string) ([]*models.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, title, description, severity, category, source,
			host, port, path, url, cve, cwe, owasp,
			evidence, refs, tags, remediation, confidence, sources, observed_at
		FROM findings WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, scanerr.New(scanerr.KindStorage, "get_findings", err).WithTask(taskID)
	}
	defer rows.Close()

	var out []*models.Finding
	for rows.Next() {
		f := &models.Finding{TaskID: taskID}
		var severity string
		var desc, category, source, host, path, urlStr, cve, cwe, owasp, remediation sql.NullString
		var evidence, refs, tags, sources sql.NullString
		var port sql.NullInt64
		var observed int64
		err := rows.Scan(&f.ID, &f.Fingerprint, &f.Title, &desc, &severity, &category, &source,
			&host, &port, &path, &urlStr, &cve, &cwe, &owasp,
			&evidence, &refs, &tags, &remediation, &f.Confidence, &sources, &observed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		f.Severity = models.Severity(severity)
		f.Description = desc.String
		f.Category = category.String
		f.Source = source.String
		f.Host = host.String
		f.Port = int(port.Int64)
		f.Path = path.String
		f.URL = urlStr.String
		f.CVE = cve.String
		f.CWE = cwe.String
		f.OWASP = owasp.String
		f.Remediation = remediation.String
		f.ObservedAt = time.Unix(observed, 0)
		unmarshalJSON(evidence.String, &f.Evidence)
		unmarshalJSON(refs.String, &f.References)
		unmarshalJSON(tags.String, &f.Tags)
		unmarshalJSON(sources.String, &f.Sources)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ClearFindings removes all artefacts belonging to a task; used by restart.
func (s *SQLiteStore) ClearFindings(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"findings", "js_resources", "api_endpoints", "microservices", "api_security_issues"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE task_id = ?", taskID); err != nil {
			return scanerr.New(scanerr.KindStorage, "clear_findings", err).WithTask(taskID)
		}
	}
	return nil
}

// ResetOrphans recovers tasks abandoned by a previous process.
func (s *SQLiteStore) ResetOrphans(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM scan_tasks WHERE state IN (?, ?)`,
		string(models.StateRunning), string(models.StatePending))
	if err != nil {
		return nil, scanerr.New(scanerr.KindStorage, "reset_orphans", err)
	}
	var pending []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan orphan id: %w", err)
		}
		pending = append(pending, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE scan_tasks SET state = ?, started_at = NULL, updated_at = ?
		WHERE state = ?`,
		string(models.StatePending), now, string(models.StateRunning)); err != nil {
		return nil, scanerr.New(scanerr.KindStorage, "reset_orphans", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE scan_tasks SET state = ?, reason = ?, completed_at = ?, updated_at = ?
		WHERE state = ?`,
		string(models.StateCancelled), models.ReasonUserCancel, now, now,
		string(models.StateCancelling)); err != nil {
		return nil, scanerr.New(scanerr.KindStorage, "reset_orphans", err)
	}

	if len(pending) > 0 {
		log.Info().Int("count", len(pending)).Msg("Re-admitting tasks from previous run")
	}
	return pending, nil
}

// Close shuts the database down.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close task database: %w", err)
	}
	return nil
}

const taskSelect = `
	SELECT id, name, description, type, priority, principal, state, reason,
		targets, config, schedule,
		total_targets, processed_targets, success_count, error_count, percent,
		stage_statuses, error_messages,
		retry_count, max_retries, retry_delay_ms, max_execution_ms,
		parent_task_id, created_at, started_at, completed_at, updated_at
	FROM scan_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.ScanTask, error) {
	t := &models.ScanTask{}
	var typ, prio, state string
	var desc, reason, parent sql.NullString
	var targets, config, schedule string
	var stages, errMsgs sql.NullString
	var retryDelayMS, maxExecMS, created, updated int64
	var started, completed sql.NullInt64

	err := row.Scan(&t.ID, &t.Name, &desc, &typ, &prio, &t.Principal, &state, &reason,
		&targets, &config, &schedule,
		&t.TotalTargets, &t.ProcessedTargets, &t.SuccessCount, &t.ErrorCount, &t.Percent,
		&stages, &errMsgs,
		&t.RetryCount, &t.MaxRetries, &retryDelayMS, &maxExecMS,
		&parent, &created, &started, &completed, &updated)
	if err != nil {
		return nil, err
	}

	t.Description = desc.String
	t.Type = models.TaskType(typ)
	t.Priority = models.Priority(prio)
	t.State = models.TaskState(state)
	t.Reason = reason.String
	t.ParentTaskID = parent.String
	t.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	t.MaxExecutionTime = time.Duration(maxExecMS) * time.Millisecond
	t.CreatedAt = time.Unix(created, 0)
	t.UpdatedAt = time.Unix(updated, 0)
	if started.Valid {
		ts := time.Unix(started.Int64, 0)
		t.StartedAt = &ts
	}
	if completed.Valid {
		ts := time.Unix(completed.Int64, 0)
		t.CompletedAt = &ts
	}
	unmarshalJSON(targets, &t.Targets)
	unmarshalJSON(config, &t.Config)
	unmarshalJSON(schedule, &t.Schedule)
	unmarshalJSON(stages.String, &t.StageStatuses)
	unmarshalJSON(errMsgs.String, &t.ErrorMessages)
	return t, nil
}

func buildFilter(filter models.TaskFilter) (string, []any) {
	clauses := []string{}
	args := []any{}

	if filter.Principal != "" {
		clauses = append(clauses, "principal = ?")
		args = append(args, filter.Principal)
	}
	if len(filter.States) > 0 {
		ph := make([]string, len(filter.States))
		for i, st := range filter.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "state IN ("+strings.Join(ph, ",")+")")
	}
	if len(filter.Types) > 0 {
		ph := make([]string, len(filter.Types))
		for i, tt := range filter.Types {
			ph[i] = "?"
			args = append(args, string(tt))
		}
		clauses = append(clauses, "type IN ("+strings.Join(ph, ",")+")")
	}
	if len(filter.Priorities) > 0 {
		ph := make([]string, len(filter.Priorities))
		for i, p := range filter.Priorities {
			ph[i] = "?"
			args = append(args, string(p))
		}
		clauses = append(clauses, "priority IN ("+strings.Join(ph, ",")+")")
	}
	if filter.CreatedAfter != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.CreatedAfter.Unix())
	}
	if filter.CreatedBefore != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, filter.CreatedBefore.Unix())
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func unmarshalJSON[T any](raw string, dst *T) {
	if raw == "" || raw == "null" {
		return
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		log.Warn().Err(err).Msg("Failed to unmarshal stored JSON column")
	}
}
