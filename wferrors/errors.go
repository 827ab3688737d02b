// Package wferrors defines the error taxonomy shared by the workflow task
// manager and the activity task pipeline.
//
// Errors recoverable within the scope of a single run are never fatal to the
// worker process: they map to an eviction of that run's in-memory state so
// the server can redrive it. Only programming-invariant violations (a
// duplicate outstanding activation, a full poll-response buffer slot, a
// closed slot semaphore) are allowed to panic.
package wferrors

import (
	"errors"
	"fmt"
)

// PollErrorKind distinguishes terminal polling failures from transient ones.
type PollErrorKind int

const (
	// PollTransport indicates a transient failure; the caller should retry
	// after backoff.
	PollTransport PollErrorKind = iota
	// PollShutDown is terminal; the caller should stop its poll loop.
	PollShutDown
)

// PollError is returned by workflow and activity poll loops.
type PollError struct {
	Kind PollErrorKind
	Err  error
}

func (e *PollError) Error() string {
	switch e.Kind {
	case PollShutDown:
		return "wfcore: poll loop shut down"
	default:
		if e.Err != nil {
			return fmt.Sprintf("wfcore: transient poll error: %v", e.Err)
		}
		return "wfcore: transient poll error"
	}
}

func (e *PollError) Unwrap() error { return e.Err }

// Retryable reports whether the caller should retry the poll after backoff.
func (e *PollError) Retryable() bool { return e.Kind == PollTransport }

// ShutDown constructs a terminal PollError.
func ShutDown() *PollError { return &PollError{Kind: PollShutDown} }

// Transport wraps a transient transport error.
func Transport(err error) *PollError { return &PollError{Kind: PollTransport, Err: err} }

// ActivityHeartbeatErrorKind enumerates the ways a heartbeat record call can
// fail without indicating a worker bug.
type ActivityHeartbeatErrorKind int

const (
	// UnknownActivity means the task token isn't (or is no longer) tracked
	// as outstanding - typically a race between completion and heartbeat.
	UnknownActivity ActivityHeartbeatErrorKind = iota
	// InvalidHeartbeatTimeout means the server-supplied heartbeat timeout
	// could not be interpreted as a duration.
	InvalidHeartbeatTimeout
)

// ActivityHeartbeatError is returned by the heartbeat manager's record path.
type ActivityHeartbeatError struct {
	Kind ActivityHeartbeatErrorKind
}

func (e *ActivityHeartbeatError) Error() string {
	switch e.Kind {
	case UnknownActivity:
		return "wfcore: unknown activity task token"
	case InvalidHeartbeatTimeout:
		return "wfcore: invalid heartbeat timeout"
	default:
		return "wfcore: activity heartbeat error"
	}
}

// EvictionReason explains to the language host why a run's in-memory state
// was destroyed.
type EvictionReason int

const (
	EvictionUnspecified EvictionReason = iota
	// EvictionLangRequested means the host itself asked for eviction.
	EvictionLangRequested
	// EvictionCacheFull means the run cache needed to make room for another
	// run.
	EvictionCacheFull
	// EvictionNondeterminism means the state machines disagreed with the
	// history fed to them.
	EvictionNondeterminism
	// EvictionFatal means an unrecoverable protocol violation occurred.
	EvictionFatal
)

func (r EvictionReason) String() string {
	switch r {
	case EvictionLangRequested:
		return "LangRequested"
	case EvictionCacheFull:
		return "CacheFull"
	case EvictionNondeterminism:
		return "Nondeterminism"
	case EvictionFatal:
		return "Fatal"
	default:
		return "Unspecified"
	}
}

// WorkflowUpdateErrorKind classifies why applying new history to a run's
// state machines failed.
type WorkflowUpdateErrorKind int

const (
	// Fatal indicates a protocol violation unrecoverable for the run.
	Fatal WorkflowUpdateErrorKind = iota
	// Nondeterminism indicates the machines disagreed with the history.
	Nondeterminism
	// Recoverable indicates a transient failure safe to retry by evicting
	// and letting the server redrive the run.
	Recoverable
)

// WorkflowUpdateError is returned when history cannot be applied to a run's
// state machines. Every instance maps to an EvictionReason and triggers a
// run-scoped eviction; it never brings down the worker process.
type WorkflowUpdateError struct {
	Kind  WorkflowUpdateErrorKind
	RunID string
	Err   error
}

func (e *WorkflowUpdateError) Error() string {
	return fmt.Sprintf("wfcore: workflow update error (run_id=%s, kind=%d): %v", e.RunID, e.Kind, e.Err)
}

func (e *WorkflowUpdateError) Unwrap() error { return e.Err }

// EvictionReason maps the WorkflowUpdateErrorKind to the EvictionReason the
// host should be told about.
func (e *WorkflowUpdateError) EvictionReason() EvictionReason {
	switch e.Kind {
	case Nondeterminism:
		return EvictionNondeterminism
	case Recoverable:
		return EvictionLangRequested
	default:
		return EvictionFatal
	}
}

// WorkflowMissingError is returned by access to a run not present in the
// concurrency manager. It always converts to a Fatal WorkflowUpdateError.
type WorkflowMissingError struct {
	RunID string
}

func (e *WorkflowMissingError) Error() string {
	return fmt.Sprintf("wfcore: workflow missing from concurrency manager: run_id=%s", e.RunID)
}

// AsWorkflowUpdateError converts a WorkflowMissingError into its Fatal
// WorkflowUpdateError representation.
func (e *WorkflowMissingError) AsWorkflowUpdateError() *WorkflowUpdateError {
	return &WorkflowUpdateError{Kind: Fatal, RunID: e.RunID, Err: e}
}

// ServerErrorCode is a minimal, transport-agnostic status code, modeled
// after the handful of codes this package's callers actually branch on.
type ServerErrorCode int

const (
	CodeUnknown ServerErrorCode = iota
	CodeNotFound
)

// ServerError wraps a failure returned by the server-facing WorkerClient.
type ServerError struct {
	Code ServerErrorCode
	Err  error
}

func (e *ServerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wfcore: server error (code=%v): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("wfcore: server error (code=%v)", e.Code)
}

func (e *ServerError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is, or wraps, a ServerError carrying
// CodeNotFound.
func IsNotFound(err error) bool {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Code == CodeNotFound
	}
	return false
}
