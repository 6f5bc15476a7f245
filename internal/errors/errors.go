// Package errors generalizes the scheduler's error taxonomy (spec.md §7)
// from the teacher's BackstageError: a sentinel-wrapping error type that
// also carries the closed ErrorCode vocabulary and optional job/session
// context for logs.
package errors

import (
	"errors"

	"github.com/lingua-speech/scheduler/internal/domain"
)

var (
	ErrDependencyDown     = errors.New("dependency down")
	ErrLockTimeout        = errors.New("request lock acquisition timed out")
	ErrReservationFailed  = errors.New("reservation failed")
	ErrFSMNoOp            = errors.New("fsm transition was a no-op")
	ErrNoAvailableNode    = errors.New("no available node")
	ErrUnknownSession     = errors.New("unknown session")
	ErrUnknownJob         = errors.New("unknown job")
	ErrInvariantViolation = errors.New("invariant violation")
)

// SchedulerError wraps a sentinel with a public ErrorCode, a human message,
// and optional correlation ids, mirroring the teacher's BackstageError
// shape (Err + Message + TaskID) generalized to JobID/SessionID.
type SchedulerError struct {
	Err       error
	Code      domain.ErrorCode
	Message   string
	JobID     string
	SessionID string
}

func (e *SchedulerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.JobID != "" {
		msg += " (job: " + e.JobID + ")"
	}
	if e.SessionID != "" {
		msg += " (session: " + e.SessionID + ")"
	}
	return msg
}

func (e *SchedulerError) Unwrap() error { return e.Err }

// New builds a SchedulerError carrying the static hint for its code.
func New(code domain.ErrorCode, err error, message string) *SchedulerError {
	if message == "" {
		message = domain.ErrorHints[code]
	}
	return &SchedulerError{Err: err, Code: code, Message: message}
}

func WithJob(e *SchedulerError, jobID string) *SchedulerError {
	e.JobID = jobID
	return e
}

func WithSession(e *SchedulerError, sessionID string) *SchedulerError {
	e.SessionID = sessionID
	return e
}

// DependencyDown builds the standard Redis-outage error surfaced to
// callers that must fail closed (spec.md §4.A).
func DependencyDown(err error) *SchedulerError {
	return New(domain.ErrSchedulerDependencyDown, errors.Join(ErrDependencyDown, err), "")
}
