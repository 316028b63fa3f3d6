package models

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewTaskID returns a random UUID for a scan task.
func NewTaskID() string {
	return uuid.NewString()
}

// NewID returns a lexicographically sortable id for findings, events and
// API-security artefacts. Sorting by id gives creation order for free.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}
