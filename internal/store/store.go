// Package store persists scan tasks, findings and API-security artefacts.
package store

import (
	"context"

	"github.com/soclab/argus/internal/models"
)

// TaskStore is the durable state of the scheduler and engine. State
// transitions go through UpdateState, whose compare-and-set semantics
// linearise concurrent cancel/complete races.
type TaskStore interface {
	Put(ctx context.Context, task *models.ScanTask) error
	Get(ctx context.Context, id string) (*models.ScanTask, error)
	List(ctx context.Context, filter models.TaskFilter, offset, limit int) (*models.TaskPage, error)
	Stats(ctx context.Context, principal string) (*models.TaskStats, error)

	// UpdateState atomically moves the task from the expected state to the
	// next one, returning a CONFLICT error when the stored state differs.
	// completed_at is set exactly when next is terminal and cleared when
	// the task re-enters pending.
	UpdateState(ctx context.Context, id string, from, to models.TaskState, reason string) error

	// Delete removes the task and cascades to findings, JS resources,
	// endpoints, microservices and issues.
	Delete(ctx context.Context, id string) error

	AppendFindings(ctx context.Context, taskID string, findings []*models.Finding) error
	Findings(ctx context.Context, taskID string) ([]*models.Finding, error)
	ClearFindings(ctx context.Context, taskID string) error

	SaveJSResources(ctx context.Context, taskID string, rs []*models.JSResource) error
	SaveEndpoints(ctx context.Context, taskID string, eps []*models.APIEndpoint) error
	SaveMicroservices(ctx context.Context, taskID string, ms []*models.Microservice) error
	SaveIssues(ctx context.Context, taskID string, issues []*models.APISecurityIssue) error

	JSResources(ctx context.Context, taskID string) ([]*models.JSResource, error)
	Endpoints(ctx context.Context, taskID string) ([]*models.APIEndpoint, error)
	Microservices(ctx context.Context, taskID string) ([]*models.Microservice, error)
	Issues(ctx context.Context, taskID string) ([]*models.APISecurityIssue, error)

	// ResetOrphans re-admits work left over from a previous process:
	// RUNNING tasks revert to PENDING with retry_count unchanged,
	// CANCELLING tasks become CANCELLED. Returns the ids reset to PENDING.
	ResetOrphans(ctx context.Context) ([]string, error)

	Close() error
}
