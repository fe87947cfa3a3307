package osmbridge

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidFilter     = errors.New("invalid filter")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrMergeConflict     = errors.New("merge conflict")
)

// RemoteFailure classifies an exhausted remote call.
type RemoteFailure string

const (
	FailureTimeout     RemoteFailure = "timeout"
	FailureNotFound    RemoteFailure = "not_found"
	FailureServerError RemoteFailure = "server_error"
)

type RemoteError struct {
	Failure RemoteFailure
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote %s: %v", e.Failure, e.Err)
	}
	return fmt.Sprintf("remote %s", e.Failure)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func (e *RemoteError) Is(target error) bool {
	if target == ErrRemoteUnavailable {
		return e.Failure == FailureTimeout || e.Failure == FailureServerError
	}
	if target == ErrNotFound {
		return e.Failure == FailureNotFound
	}
	return false
}

// MergeConflictError reports fields whose pending local edits blocked a
// remote overwrite. The merge commits all non-conflicting fields before
// returning this error.
type MergeConflictError struct {
	Kind   Kind
	ID     int64
	Fields []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on %s %d: %s", e.Kind, e.ID, strings.Join(e.Fields, ", "))
}

func (e *MergeConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}

const (
	DiagStaleRemoteRead = "stale_remote_read"
	DiagPartialFetch    = "partial_fetch"
	DiagDegraded        = "degraded"
	DiagMergeConflict   = "merge_conflict"
)

type Diagnostic struct {
	Code          string    `json:"code"`
	Kind          Kind      `json:"kind,omitempty"`
	ID            int64     `json:"id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	At            time.Time `json:"at"`
}

// DiagnosticRecorder keeps the most recent diagnostics in a bounded ring and
// mirrors each one to the logger.
type DiagnosticRecorder struct {
	mu     sync.Mutex
	ring   []Diagnostic
	next   int
	filled bool
	logger zerolog.Logger
}

func NewDiagnosticRecorder(capacity int, logger zerolog.Logger) *DiagnosticRecorder {
	if capacity <= 0 {
		capacity = 256
	}
	return &DiagnosticRecorder{
		ring:   make([]Diagnostic, capacity),
		logger: logger,
	}
}

func (r *DiagnosticRecorder) Record(d Diagnostic) {
	if r == nil {
		return
	}
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	r.mu.Lock()
	r.ring[r.next] = d
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.filled = true
	}
	r.mu.Unlock()
	r.logger.Warn().
		Str("code", d.Code).
		Str("kind", string(d.Kind)).
		Int64("id", d.ID).
		Str("correlationId", d.CorrelationID).
		Msg(d.Detail)
}

// Recent returns diagnostics oldest-first.
func (r *DiagnosticRecorder) Recent() []Diagnostic {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Diagnostic, 0, len(r.ring))
	if r.filled {
		out = append(out, r.ring[r.next:]...)
	}
	out = append(out, r.ring[:r.next]...)
	return out
}
