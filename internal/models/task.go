package models

import (
	"time"
)

// TaskType identifies which scan pipeline a task runs.
type TaskType string

const (
	TaskPortScan      TaskType = "port_scan"
	TaskSubdomainEnum TaskType = "subdomain_enum"
	TaskVulnScan      TaskType = "vulnerability_scan"
	TaskWebDiscovery  TaskType = "web_discovery"
	TaskComprehensive TaskType = "comprehensive"
	TaskAPISecurity   TaskType = "api_security"
)

// KnownTaskTypes lists every task type the scheduler accepts.
var KnownTaskTypes = []TaskType{
	TaskPortScan,
	TaskSubdomainEnum,
	TaskVulnScan,
	TaskWebDiscovery,
	TaskComprehensive,
	TaskAPISecurity,
}

// Valid reports whether t is a recognised task type.
func (t TaskType) Valid() bool {
	for _, k := range KnownTaskTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Priority orders tasks within the scheduler queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the dispatch rank of the priority; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is a recognised priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// TaskState is a node in the task lifecycle state machine.
type TaskState string

const (
	StatePending    TaskState = "pending"
	StateRunning    TaskState = "running"
	StateCancelling TaskState = "cancelling"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
	StateCancelled  TaskState = "cancelled"
)

// Terminal reports whether the state admits no further transitions
// (other than an explicit restart).
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the edge from s to next exists in the
// lifecycle graph. Restart (terminal -> pending) is handled separately
// by the scheduler.
func (s TaskState) CanTransition(next TaskState) bool {
	switch s {
	case StatePending:
		return next == StateRunning || next == StateCancelling
	case StateRunning:
		return next == StateCompleted || next == StateFailed || next == StateCancelling
	case StateCancelling:
		return next == StateCancelled
	}
	return false
}

// Cancel reasons recorded on a cancelled task.
const (
	ReasonUserCancel = "USER_CANCEL"
	ReasonTimeout    = "TIMEOUT"
)

// StageStatus is the per-stage outcome recorded on a task.
type StageStatus string

const (
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageTimeout   StageStatus = "timeout"
	StageCancelled StageStatus = "cancelled"
	StageSkipped   StageStatus = "skipped"
)

// Target is a single scan target: a domain, an IP, a URL or an asset reference.
type Target struct {
	Name   string   `json:"name,omitempty"`
	Type   string   `json:"type,omitempty"` // domain | ip | url | asset
	Domain string   `json:"domain,omitempty"`
	IP     string   `json:"ip,omitempty"`
	URL    string   `json:"url,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// Value returns the usable address of the target, preferring URL, then
// domain, then IP.
func (t Target) Value() string {
	if t.URL != "" {
		return t.URL
	}
	if t.Domain != "" {
		return t.Domain
	}
	return t.IP
}

// ScanConfig carries the per-task tool configuration. Tool adapters read
// their own fields; Extra is the escape hatch for options the core does
// not interpret.
type ScanConfig struct {
	Ports           string         `json:"ports,omitempty"`             // nmap port spec
	Templates       []string       `json:"templates,omitempty"`         // nuclei template dirs
	Wordlist        string         `json:"wordlist,omitempty"`          // subdomain wordlist path
	CrawlDepth      int            `json:"crawl_depth,omitempty"`       // crawl depth
	StageTimeouts   map[string]int `json:"stage_timeouts,omitempty"`    // stage id -> seconds
	BaseAPIPaths    []string       `json:"base_api_paths,omitempty"`    // api_security phase 2
	IncludeNotFound bool           `json:"include_not_found,omitempty"` // keep 404 endpoints
	Extra           map[string]any `json:"extra,omitempty"`
}

// Schedule controls when a task runs. Immediate when both At and Cron are
// empty.
type Schedule struct {
	At   *time.Time `json:"at,omitempty"`
	Cron string     `json:"cron,omitempty"`
}

// ScanTask is the unit of work accepted by the scheduler.
type ScanTask struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Type        TaskType   `json:"type"`
	Priority    Priority   `json:"priority"`
	Principal   string     `json:"principal"`
	Targets     []Target   `json:"targets"`
	Config      ScanConfig `json:"config"`
	Schedule    Schedule   `json:"schedule"`

	State  TaskState `json:"state"`
	Reason string    `json:"reason,omitempty"` // USER_CANCEL, TIMEOUT, ... on terminal states

	// Progress
	TotalTargets     int `json:"total_targets"`
	ProcessedTargets int `json:"processed_targets"`
	SuccessCount     int `json:"success_count"`
	ErrorCount       int `json:"error_count"`
	Percent          int `json:"percent"`

	StageStatuses map[string]StageStatus `json:"stage_statuses,omitempty"`
	ErrorMessages []string               `json:"error_messages,omitempty"`

	// Retry policy
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`

	MaxExecutionTime time.Duration `json:"max_execution_time"`

	// Lineage
	ParentTaskID string   `json:"parent_task_id,omitempty"`
	ChildTaskIDs []string `json:"child_task_ids,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Duration returns how long the task ran, or how long it has been running.
func (t *ScanTask) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.CompletedAt != nil {
		return t.CompletedAt.Sub(*t.StartedAt)
	}
	return time.Since(*t.StartedAt)
}

// TaskFilter narrows List results.
type TaskFilter struct {
	Principal     string // empty = all (admin)
	Types         []TaskType
	States        []TaskState
	Priorities    []Priority
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// TaskPage is one page of a task listing, ordered by created_at descending.
type TaskPage struct {
	Tasks  []*ScanTask `json:"tasks"`
	Total  int         `json:"total"`
	Offset int         `json:"offset"`
	Limit  int         `json:"limit"`
}

// TaskStats aggregates tasks for the stats endpoint.
type TaskStats struct {
	ByState       map[TaskState]int `json:"by_state"`
	ByType        map[TaskType]int  `json:"by_type"`
	ByPriority    map[Priority]int  `json:"by_priority"`
	AvgDurationMS int64             `json:"avg_duration_ms"` // over completed tasks
}
