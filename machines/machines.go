// Package machines defines the interfaces this module needs from its
// external collaborators: the per-run replay state machines ("WorkflowManager"
// in spec.md's terms), the history paginator, and local activity resolution.
// None of these are implemented here - spec.md §1 explicitly scopes the
// state machine implementations and the history paginator out of this
// module. Only the contracts the workflow task manager drives are defined.
package machines

import (
	"time"

	"github.com/debuggerpk/wfcore/wferrors"
)

// JobKind tags the variety of work item an activation carries.
type JobKind int

const (
	JobHistoryEvent JobKind = iota
	JobQueryWorkflow
	JobEviction
)

// LegacyQueryID is the distinguished ID that marks a query job answering a legacy
// query, versus an ordinary in-band QueryWorkflow job (spec.md GLOSSARY,
// §6 Constants).
const LegacyQueryID = "legacy_query"

// Job is a single unit of work within an Activation.
type Job struct {
	Kind JobKind

	// Query is populated when Kind == JobQueryWorkflow.
	QueryID    string
	Query      any

	// Eviction is populated when Kind == JobEviction.
	EvictionReason  wferrors.EvictionReason
	EvictionMessage string
}

// Activation is an ordered list of jobs the language host must process for a
// single run (spec.md GLOSSARY).
type Activation struct {
	RunID string
	Jobs  []Job
}

// ContainsEviction reports whether any job in the activation is an eviction.
func (a Activation) ContainsEviction() bool {
	for _, j := range a.Jobs {
		if j.Kind == JobEviction {
			return true
		}
	}
	return false
}

// HasOnlyEviction reports whether the activation is exactly one eviction job
// and nothing else (spec.md §4.5.3, S6).
func (a Activation) HasOnlyEviction() bool {
	return len(a.Jobs) == 1 && a.Jobs[0].Kind == JobEviction
}

// Command is an outgoing instruction produced by the language host in reply
// to an activation (workflow commands, query responses).
type Command struct {
	IsQueryResponse bool
	QueryID         string
	Payload         any
}

// LocalActivityRequest is queued by the state machines when workflow code
// schedules a local activity (spec.md GLOSSARY "Local activity").
type LocalActivityRequest struct {
	SeqID    int64
	Attempt  uint32
	Activity any
}

// LocalActivityResolution is fed back into the state machines once a local
// activity completes.
type LocalActivityResolution struct {
	SeqID  int64
	Result any
	Err    error
}

// StartedAttributes carries the fields of the most recent WFT-started event
// the workflow task manager needs (spec.md §4.5.3's wft_timeout).
type StartedAttributes struct {
	WorkflowTaskTimeout time.Duration
}

// Paginator incrementally fetches additional history pages for a run. The
// workflow task manager only needs to seed one - it never drives pagination
// itself (spec.md §1 lists "the history paginator" as out of scope).
type Paginator interface {
	// SetStartCursor forces the paginator to (re)start from the beginning of
	// history, used on a sticky-cache-miss (spec.md §4.5.1 step 3).
	SetStartCursor()
}

// HistoryUpdate wraps a Paginator seeded from a poll response, ready to be
// submitted to a Manager's CreateOrUpdate.
type HistoryUpdate struct {
	Events        []HistoryEventRef
	NextPageToken []byte
	Paginator     Paginator
}

// HistoryEventRef is the minimal shape this module inspects: only the ID of
// the first event matters, to detect a cache miss (spec.md §4.5.1 step 3).
type HistoryEventRef struct {
	ID int64
}

// IsIncremental reports whether a response is incremental, per spec.md
// §4.5.1 step 3: its first history event has id > 1, or history is empty.
func (h HistoryUpdate) IsIncremental() bool {
	if len(h.Events) == 0 {
		return true
	}
	return h.Events[0].ID > 1
}

// Manager is the per-run replay state machine contract spec.md calls
// "WorkflowManager" / "the machines". It is implemented by an external
// collaborator; this module only calls it.
type Manager interface {
	// CreateOrUpdate constructs the machines from history on first use, or
	// feeds new history into existing machines, returning the activation
	// those events produce (possibly empty).
	CreateOrUpdate(update HistoryUpdate, previousStartedEventID int64) (Activation, error)

	// GetActivation returns a snapshot activation without advancing
	// replay - used by next_pending_activation (spec.md §4.5.2).
	GetActivation() (Activation, error)

	// ApplyCommands feeds non-query commands produced by the language host
	// into the machines.
	ApplyCommands(cmds []Command) error

	// ApplyBufferedTaskIfReady applies the next pre-buffered poll response,
	// if the machines are ready to accept it. Returns true if one was
	// applied.
	ApplyBufferedTaskIfReady() (bool, error)

	// NotifyOfLocalResult feeds a resolved local activity back into the
	// machines.
	NotifyOfLocalResult(res LocalActivityResolution) error

	// OutstandingLocalActivityCount returns the number of local activities
	// the machines are still waiting on.
	OutstandingLocalActivityCount() int

	// MorePendingActivations reports whether the machines have more work
	// queued that should trigger another pending activation.
	MorePendingActivations() bool

	// IsReplaying reports whether the machines are still replaying history
	// (as opposed to live, caught-up execution).
	IsReplaying() bool

	// StartedAttributes returns details of the most recent WFT-started
	// event.
	StartedAttributes() StartedAttributes

	// OutgoingCommands drains server-bound commands accumulated since the
	// last drain.
	OutgoingCommands() []Command

	// OutgoingLocalActivityRequests drains newly queued local activity
	// requests accumulated since the last drain.
	OutgoingLocalActivityRequests() []LocalActivityRequest
}

// LocalActivitySink is the external collaborator that executes local
// activities (spec.md §1 "the local-activity executor" is out of scope).
// The workflow task manager only submits requests and may receive immediate
// resolutions back, per spec.md §4.5.3.
type LocalActivitySink interface {
	Submit(runID string, reqs []LocalActivityRequest) []LocalActivityResolution
}
