package models

import "time"

// EventType distinguishes the event shapes carried by the hub.
type EventType string

const (
	EventProgress EventType = "progress"
	EventTerminal EventType = "terminal"
	EventFinding  EventType = "finding"
)

// Event is the envelope multiplexed to subscribers. Progress events for a
// task carry monotonic sequence numbers; delivery is at-least-once and may
// drop under subscriber backpressure, but never reorders.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	Principal string    `json:"principal,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Timestamp time.Time `json:"ts"`

	// Progress payload
	Phase     string `json:"phase,omitempty"`
	Percent   int    `json:"percent,omitempty"`
	Processed int    `json:"processed,omitempty"`
	Total     int    `json:"total,omitempty"`

	// Terminal payload
	State  TaskState `json:"state,omitempty"`
	Reason string    `json:"reason,omitempty"`

	// Finding payload
	FindingID string   `json:"finding_id,omitempty"`
	Severity  Severity `json:"severity,omitempty"`
	Title     string   `json:"title,omitempty"`
	Source    string   `json:"source,omitempty"`
}
