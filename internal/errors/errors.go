package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrRateLimited    = errors.New("rate limited")
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrInvalidTarget  = errors.New("invalid target")
	ErrInvalidConfig  = errors.New("invalid config")
	ErrNotCancellable = errors.New("not cancellable")
	ErrTimeout        = errors.New("timeout")
	ErrStorage        = errors.New("storage error")
	ErrConflict       = errors.New("state conflict")
)

// Kind categorises a scan error with a machine-readable reason code.
type Kind string

const (
	KindInvalidTarget  Kind = "INVALID_TARGET"
	KindInvalidConfig  Kind = "INVALID_CONFIG"
	KindRateLimited    Kind = "RATE_LIMITED"
	KindQuotaExceeded  Kind = "QUOTA_EXCEEDED"
	KindForbidden      Kind = "FORBIDDEN"
	KindNotFound       Kind = "NOT_FOUND"
	KindNotCancellable Kind = "NOT_CANCELLABLE"
	KindStageTimeout   Kind = "STAGE_TIMEOUT"
	KindStageFailed    Kind = "STAGE_FAILED"
	KindStageSkipped   Kind = "STAGE_SKIPPED"
	KindStageCancelled Kind = "STAGE_CANCELLED"
	KindTaskTimeout    Kind = "TASK_TIMEOUT"
	KindTransientTool  Kind = "TRANSIENT_TOOL"
	KindStorage        Kind = "STORAGE_ERROR"
	KindConflict       Kind = "CONFLICT"
	KindInternal       Kind = "INTERNAL"
)

// ScanError is the structured error crossing component boundaries.
type ScanError struct {
	Kind      Kind
	Op        string // operation that failed (e.g. "submit", "run_stage")
	TaskID    string
	Stage     string // stage id if applicable
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *ScanError) Error() string {
	switch {
	case e.Stage != "" && e.TaskID != "":
		return fmt.Sprintf("%s failed on task %s stage %s: %v", e.Op, e.TaskID, e.Stage, e.Err)
	case e.TaskID != "":
		return fmt.Sprintf("%s failed on task %s: %v", e.Op, e.TaskID, e.Err)
	default:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is matching against the base error types.
func (e *ScanError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrForbidden:
		return e.Kind == KindForbidden
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrQuotaExceeded:
		return e.Kind == KindQuotaExceeded
	case ErrInvalidTarget:
		return e.Kind == KindInvalidTarget
	case ErrInvalidConfig:
		return e.Kind == KindInvalidConfig
	case ErrNotCancellable:
		return e.Kind == KindNotCancellable
	case ErrTimeout:
		return e.Kind == KindStageTimeout || e.Kind == KindTaskTimeout
	case ErrStorage:
		return e.Kind == KindStorage
	case ErrConflict:
		return e.Kind == KindConflict
	}
	return errors.Is(e.Err, target)
}

// New creates a ScanError for the given kind and operation.
func New(kind Kind, op string, err error) *ScanError {
	return &ScanError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kindRetryable(kind),
	}
}

// Newf creates a ScanError wrapping a formatted message.
func Newf(kind Kind, op, format string, args ...any) *ScanError {
	return New(kind, op, fmt.Errorf(format, args...))
}

// WithTask attaches the task id to the error.
func (e *ScanError) WithTask(id string) *ScanError {
	e.TaskID = id
	return e
}

// WithStage attaches the stage id to the error.
func (e *ScanError) WithStage(stage string) *ScanError {
	e.Stage = stage
	return e
}

func kindRetryable(kind Kind) bool {
	switch kind {
	case KindTransientTool, KindStorage, KindStageTimeout:
		return true
	}
	return false
}

// IsRetryable reports whether the scheduler should re-queue after err.
func IsRetryable(err error) bool {
	var se *ScanError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// KindOf extracts the reason code from err, KindInternal when untyped.
func KindOf(err error) Kind {
	var se *ScanError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code surfaced by the API layer.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidTarget, KindInvalidConfig:
		return http.StatusBadRequest
	case KindRateLimited, KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindNotCancellable, KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
