// Package client models the server-facing surface this module calls out to:
// TaskToken, the inbound poll response shapes, and the WorkerClient
// capability abstraction (spec.md §9 "Dynamic dispatch"). None of these are
// wire types - the actual RPC/transport implementation is an external
// collaborator, out of scope for this module.
package client

import (
	"bytes"
	"context"
	"time"

	"github.com/debuggerpk/wfcore/machines"
)

// TaskToken is an opaque, server-issued correlator for a specific workflow
// or activity task. Equality and hashing are byte-wise (spec.md §3).
type TaskToken string

// NewTaskToken copies b into a TaskToken.
func NewTaskToken(b []byte) TaskToken { return TaskToken(bytes.Clone(b)) }

// Bytes returns the token's byte representation.
func (t TaskToken) Bytes() []byte { return []byte(t) }

// WorkflowExecution identifies a specific run of a workflow.
type WorkflowExecution struct {
	WorkflowID string
	RunID      string
}

// QueryRequest is an in-band query delivered alongside workflow task history,
// distinct from a LegacyQuery (spec.md §4.5.1 step 6-7).
type QueryRequest struct {
	ID    string
	Query any
}

// PollWorkflowTaskResponse is the inbound shape spec.md §6 names for a
// workflow task poll.
type PollWorkflowTaskResponse struct {
	TaskToken              TaskToken
	Attempt                uint32
	WorkflowExecution      WorkflowExecution
	WorkflowType           string
	History                []machines.HistoryEventRef
	NextPageToken          []byte
	QueryRequests          []QueryRequest
	LegacyQuery            *QueryRequest
	PreviousStartedEventID int64

	// Paginator incrementally fetches additional history pages for this
	// run, seeded by the poller (spec.md §1 - its implementation is out of
	// scope here). Forced to "fetch from start" on a sticky-cache-miss.
	Paginator machines.Paginator
}

// PollActivityTaskResponse is the inbound shape spec.md §6 names for an
// activity task poll.
type PollActivityTaskResponse struct {
	TaskToken        TaskToken
	ActivityType     string
	WorkflowType     string
	WorkflowExecution WorkflowExecution
	HeartbeatTimeout time.Duration
	ScheduledTime    time.Time
	StartedTime      time.Time
}

// IsDefault reports whether r is the zero value, i.e. a long-poll timeout
// rather than real work (spec.md §4.7.1).
func (r PollActivityTaskResponse) IsDefault() bool {
	return r == (PollActivityTaskResponse{})
}

// SchedToStart returns the duration between scheduling and the worker
// starting the poll response, or false if either timestamp is unset.
func (r PollActivityTaskResponse) SchedToStart() (time.Duration, bool) {
	if r.ScheduledTime.IsZero() || r.StartedTime.IsZero() {
		return 0, false
	}
	return r.StartedTime.Sub(r.ScheduledTime), true
}

// ActivityExecutionStatus tags the outcome a language host reports for an
// activity (spec.md §6 "Reply path").
type ActivityExecutionStatus int

const (
	StatusCompleted ActivityExecutionStatus = iota
	StatusFailed
	StatusCancelled
	StatusWillCompleteAsync
)

// CanceledFailureInfo carries the payload a Cancelled status should include
// (spec.md §4.7.3).
type CanceledFailureInfo struct {
	Details []byte
}

// ActivityCompletion is what the language host hands back to complete an
// activity task.
type ActivityCompletion struct {
	Status    ActivityExecutionStatus
	Result    []byte
	Failure   error
	Cancelled *CanceledFailureInfo
}

// WorkerClient is the capability abstraction over the server connection: the
// three completion RPCs (complete/fail/cancel) plus heartbeat and namespace, per spec.md DESIGN
// NOTES §9. Concrete transport (gRPC, in-process, mock) is out of scope.
type WorkerClient interface {
	CompleteActivityTask(ctx context.Context, token TaskToken, result []byte) error
	FailActivityTask(ctx context.Context, token TaskToken, failure error) error
	CancelActivityTask(ctx context.Context, token TaskToken, details []byte) error
	RecordActivityHeartbeat(ctx context.Context, token TaskToken, details []byte) (cancelRequested bool, err error)
	Namespace() string
}

// ActivityCancelReason explains why the server-initiated heartbeat response
// told the worker to cancel an in-flight activity.
type ActivityCancelReason int

const (
	CancelUnspecified ActivityCancelReason = iota
	CancelGoAway
	CancelNotFound
	CancelTimedOut
)
