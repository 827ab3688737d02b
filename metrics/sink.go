// Package metrics defines the metrics surface the workflow task manager and
// the activity task pipeline emit to. The sink itself is an external
// collaborator out of scope for this module; only the interface, and one
// concrete implementation backed by github.com/prometheus/client_golang, are
// provided here.
package metrics

import "time"

// Sink receives point measurements from the worker core. Implementations
// must be safe for concurrent use; every method may be called from many
// goroutines at once (one per in-flight run or activity).
type Sink interface {
	// AvailableActivitySlots reports the current number of free activity
	// slots, per C1's periodic gauge report.
	AvailableActivitySlots(n int)
	// StickyCacheMiss is incremented whenever apply_new_poll_resp detects an
	// incremental response for a run absent from the cache (spec.md S1).
	StickyCacheMiss()
	// WorkflowTaskFailed is incremented in failed_activation (spec.md
	// §4.5.5).
	WorkflowTaskFailed()
	// ActivityPollTimeout is incremented when a default/empty poll response
	// is observed (a long-poll timeout, not an error).
	ActivityPollTimeout()
	// ActivitySchedToStartLatency records the duration between an activity
	// task being scheduled and it being started by this worker.
	ActivitySchedToStartLatency(d time.Duration)
	// ActivityExecutionLatency records end-to-end execution duration for a
	// completed activity, tagged by activity and workflow type.
	ActivityExecutionLatency(activityType, workflowType string, d time.Duration)
	// ActivityExecutionFailed is incremented when an activity completes with
	// a Failed status, tagged by activity and workflow type.
	ActivityExecutionFailed(activityType, workflowType string)
}

// Noop is a Sink that discards every measurement. Useful in tests and as the
// zero value for a *Worker built without an explicit Sink.
type Noop struct{}

func (Noop) AvailableActivitySlots(int)                             {}
func (Noop) StickyCacheMiss()                                       {}
func (Noop) WorkflowTaskFailed()                                    {}
func (Noop) ActivityPollTimeout()                                   {}
func (Noop) ActivitySchedToStartLatency(time.Duration)               {}
func (Noop) ActivityExecutionLatency(string, string, time.Duration) {}
func (Noop) ActivityExecutionFailed(string, string)                 {}

var _ Sink = Noop{}
