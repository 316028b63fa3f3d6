package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	scanerr "github.com/soclab/argus/internal/errors"
	"github.com/soclab/argus/internal/models"
)

// SaveJSResources stores phase-1 artefacts for a task.
func (s *SQLiteStore) SaveJSResources(ctx context.Context, taskID string, rs []*models.JSResource) error {
	if len(rs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return scanerr.New(scanerr.KindStorage, "save_js_resources", err).WithTask(taskID)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, r := range rs {
		paths, _ := json.Marshal(r.APIPaths)
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO js_resources (id, task_id, url, content_hash, api_paths, size, fetched_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, taskID, r.URL, r.ContentHash, string(paths), r.Size, r.FetchedAt.Unix(), now)
		if err != nil {
			return scanerr.New(scanerr.KindStorage, "save_js_resources", err).WithTask(taskID)
		}
	}
	return commitOrStorage(tx, "save_js_resources", taskID)
}

// SaveEndpoints stores phase-2/4 artefacts for a task.
func (s *SQLiteStore) SaveEndpoints(ctx context.Context, taskID string, eps []*models.APIEndpoint) error {
	if len(eps) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return scanerr.New(scanerr.KindStorage, "save_endpoints", err).WithTask(taskID)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, e := range eps {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO api_endpoints
				(id, task_id, base_url, base_api_path, service_path, api_path, method, status, response_size, access, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, taskID, e.BaseURL, e.BaseAPIPath, e.ServicePath, e.APIPath, e.Method,
			e.Status, e.ResponseSize, e.Access, now)
		if err != nil {
			return scanerr.New(scanerr.KindStorage, "save_endpoints", err).WithTask(taskID)
		}
	}
	return commitOrStorage(tx, "save_endpoints", taskID)
}

// SaveMicroservices stores phase-3 artefacts for a task.
func (s *SQLiteStore) SaveMicroservices(ctx context.Context, taskID string, ms []*models.Microservice) error {
	if len(ms) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return scanerr.New(scanerr.KindStorage, "save_microservices", err).WithTask(taskID)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, m := range ms {
		endpointIDs, _ := json.Marshal(m.EndpointIDs)
		techs, _ := json.Marshal(m.Technologies)
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO microservices (id, task_id, base_url, service_name, endpoint_ids, technologies, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, taskID, m.BaseURL, m.ServiceName, string(endpointIDs), string(techs), now)
		if err != nil {
			return scanerr.New(scanerr.KindStorage, "save_microservices", err).WithTask(taskID)
		}
	}
	return commitOrStorage(tx, "save_microservices", taskID)
}

// SaveIssues stores phase-4/5 issues for a task.
func (s *SQLiteStore) SaveIssues(ctx context.Context, taskID string, issues []*models.APISecurityIssue) error {
	if len(issues) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return scanerr.New(scanerr.KindStorage, "save_issues", err).WithTask(taskID)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, iss := range issues {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO api_security_issues (id, task_id, type, severity, target_url, evidence, rule_name, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			iss.ID, taskID, iss.Type, string(iss.Severity), iss.TargetURL, iss.Evidence, iss.RuleName, now)
		if err != nil {
			return scanerr.New(scanerr.KindStorage, "save_issues", err).WithTask(taskID)
		}
	}
	return commitOrStorage(tx, "save_issues", taskID)
}

// JSResources loads a task's phase-1 artefacts.
func (s *SQLiteStore) JSResources(ctx context.Context, taskID string) ([]*models.JSResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, content_hash, api_paths, size, fetched_at
		FROM js_resources WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, scanerr.New(scanerr.KindStorage, "get_js_resources", err).WithTask(taskID)
	}
	defer rows.Close()

	var out []*models.JSResource
	for rows.Next() {
		r := &models.JSResource{TaskID: taskID}
		var paths sql.NullString
		var fetched int64
		if err := rows.Scan(&r.ID, &r.URL, &r.ContentHash, &paths, &r.Size, &fetched); err != nil {
			return nil, fmt.Errorf("failed to scan js resource row: %w", err)
		}
		r.FetchedAt = time.Unix(fetched, 0)
		unmarshalJSON(paths.String, &r.APIPaths)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Endpoints loads a task's API endpoints.
func (s *SQLiteStore) Endpoints(ctx context.Context, taskID string) ([]*models.APIEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, base_url, base_api_path, service_path, api_path, method, status, response_size, access, created_at
		FROM api_endpoints WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, scanerr.New(scanerr.KindStorage, "get_endpoints", err).WithTask(taskID)
	}
	defer rows.Close()

	var out []*models.APIEndpoint
	for rows.Next() {
		e := &models.APIEndpoint{TaskID: taskID}
		var basePath, servicePath, access sql.NullString
		var status, respSize sql.NullInt64
		var created int64
		if err := rows.Scan(&e.ID, &e.BaseURL, &basePath, &servicePath, &e.APIPath, &e.Method,
			&status, &respSize, &access, &created); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint row: %w", err)
		}
		e.BaseAPIPath = basePath.String
		e.ServicePath = servicePath.String
		e.Status = int(status.Int64)
		e.ResponseSize = int(respSize.Int64)
		e.Access = access.String
		e.CreatedAt = time.Unix(created, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Microservices loads a task's service groups.
func (s *SQLiteStore) Microservices(ctx context.Context, taskID string) ([]*models.Microservice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, base_url, service_name, endpoint_ids, technologies, created_at
		FROM microservices WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, scanerr.New(scanerr.KindStorage, "get_microservices", err).WithTask(taskID)
	}
	defer rows.Close()

	var out []*models.Microservice
	for rows.Next() {
		m := &models.Microservice{TaskID: taskID}
		var endpointIDs, techs sql.NullString
		var created int64
		if err := rows.Scan(&m.ID, &m.BaseURL, &m.ServiceName, &endpointIDs, &techs, &created); err != nil {
			return nil, fmt.Errorf("failed to scan microservice row: %w", err)
		}
		m.CreatedAt = time.Unix(created, 0)
		unmarshalJSON(endpointIDs.String, &m.EndpointIDs)
		unmarshalJSON(techs.String, &m.Technologies)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Issues loads a task's API-security issues.
func (s *SQLiteStore) Issues(ctx context.Context, taskID string) ([]*models.APISecurityIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, severity, target_url, evidence, rule_name, created_at
		FROM api_security_issues WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, scanerr.New(scanerr.KindStorage, "get_issues", err).WithTask(taskID)
	}
	defer rows.Close()

	var out []*models.APISecurityIssue
	for rows.Next() {
		iss := &models.APISecurityIssue{TaskID: taskID}
		var severity string
		var evidence, rule sql.NullString
		var created int64
		if err := rows.Scan(&iss.ID, &iss.Type, &severity, &iss.TargetURL, &evidence, &rule, &created); err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}
		iss.Severity = models.Severity(severity)
		iss.Evidence = evidence.String
		iss.RuleName = rule.String
		iss.CreatedAt = time.Unix(created, 0)
		out = append(out, iss)
	}
	return out, rows.Err()
}

func commitOrStorage(tx *sql.Tx, op, taskID string) error {
	if err := tx.Commit(); err != nil {
		return scanerr.New(scanerr.KindStorage, op, err).WithTask(taskID)
	}
	return nil
}
