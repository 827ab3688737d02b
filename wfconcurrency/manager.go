// Package wfconcurrency implements the per-run concurrency manager (spec.md
// §4.4, C4): serialized mutating access to each run's machines.Manager, plus
// the outstanding-task/activation bookkeeping and single-slot poll-response
// buffering that lets the workflow task manager enforce "WFTs for a given
// run are processed in server-issued order" without blocking other runs.
package wfconcurrency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/debuggerpk/wfcore/client"
	"github.com/debuggerpk/wfcore/machines"
	"github.com/debuggerpk/wfcore/wferrors"
)

// OutstandingTask mirrors spec.md §3's OutstandingTask.
type OutstandingTask struct {
	TaskToken      client.TaskToken
	Attempt        uint32
	PendingQueries []client.QueryRequest
	StartTime      time.Time
}

// OutstandingActivationKind tags the two shapes of an in-flight activation
// (spec.md §3).
type OutstandingActivationKind int

const (
	ActivationNormal OutstandingActivationKind = iota
	ActivationLegacyQuery
)

// OutstandingActivation mirrors spec.md §3's tagged OutstandingActivation.
type OutstandingActivation struct {
	Kind             OutstandingActivationKind
	ContainsEviction bool
	NumJobs          int
}

type runEntry struct {
	mgr        machines.Manager
	task       *OutstandingTask
	activation *OutstandingActivation
	buffered   *client.PollWorkflowTaskResponse

	// mutex serializes mutating Access calls for this run; it is a
	// buffered(1) channel used as a context-aware lock, per the same idiom
	// the teacher's microbatch.Batcher uses for its ping/pong submit
	// channel (a channel standing in for a suspension-aware mutex).
	mutex chan struct{}
}

func newRunEntry(mgr machines.Manager) *runEntry {
	e := &runEntry{mgr: mgr, mutex: make(chan struct{}, 1)}
	e.mutex <- struct{}{}
	return e
}

// Manager owns the run_id -> {machines.Manager, OutstandingTask?,
// OutstandingActivation?, buffered poll?} mapping described in spec.md §4.4.
type Manager struct {
	mu    sync.Mutex
	runs  map[string]*runEntry
	newMgr func(update machines.HistoryUpdate) (machines.Manager, error)
}

// New constructs a Manager. newMgr constructs a fresh machines.Manager from
// the seed HistoryUpdate of a run not previously seen - the concrete
// construction of the replay state machines is an external collaborator,
// out of scope here (spec.md §1).
func New(newMgr func(update machines.HistoryUpdate) (machines.Manager, error)) *Manager {
	return &Manager{
		runs:   make(map[string]*runEntry),
		newMgr: newMgr,
	}
}

// Exists reports whether runID is currently tracked.
func (m *Manager) Exists(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[runID]
	return ok
}

// CachedWorkflows returns the run_ids currently tracked.
func (m *Manager) CachedWorkflows() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.runs))
	for id := range m.runs {
		out = append(out, id)
	}
	return out
}

// Access serializes mutating access to runID's machines.Manager: at most one
// call for a given run_id runs at a time, others suspend until it finishes
// or ctx is cancelled. It fails with WorkflowMissingError if runID is not
// tracked.
func Access[T any](ctx context.Context, m *Manager, runID string, fn func(machines.Manager) (T, error)) (T, error) {
	var zero T

	m.mu.Lock()
	entry, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return zero, &wferrors.WorkflowMissingError{RunID: runID}
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-entry.mutex:
	}
	defer func() { entry.mutex <- struct{}{} }()

	return fn(entry.mgr)
}

// AccessSync performs a short, non-suspending operation under the manager's
// internal lock. fn must not block or otherwise suspend.
func (m *Manager) AccessSync(runID string, fn func(e *RunSnapshot) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.runs[runID]
	if !ok {
		return &wferrors.WorkflowMissingError{RunID: runID}
	}
	snap := &RunSnapshot{entry: entry}
	return fn(snap)
}

// RunSnapshot exposes the non-machines fields of a run entry to an
// AccessSync closure.
type RunSnapshot struct {
	entry *runEntry
}

func (s *RunSnapshot) Task() *OutstandingTask           { return s.entry.task }
func (s *RunSnapshot) SetTask(t *OutstandingTask)       { s.entry.task = t }
func (s *RunSnapshot) Activation() *OutstandingActivation { return s.entry.activation }
func (s *RunSnapshot) Manager() machines.Manager        { return s.entry.mgr }

// CreateOrUpdate constructs a fresh machines.Manager for runID if absent, or
// feeds update into the existing one, returning the activation the
// machines produce (spec.md §4.4).
func (m *Manager) CreateOrUpdate(runID string, update machines.HistoryUpdate, previousStartedEventID int64) (machines.Activation, error) {
	m.mu.Lock()
	entry, ok := m.runs[runID]
	if !ok {
		mgr, err := m.newMgr(update)
		if err != nil {
			m.mu.Unlock()
			return machines.Activation{}, err
		}
		entry = newRunEntry(mgr)
		m.runs[runID] = entry
		m.mu.Unlock()
		return entry.mgr.CreateOrUpdate(update, previousStartedEventID)
	}
	m.mu.Unlock()

	select {
	case <-entry.mutex:
	}
	defer func() { entry.mutex <- struct{}{} }()
	return entry.mgr.CreateOrUpdate(update, previousStartedEventID)
}

// InsertWFT records an OutstandingTask for runID.
func (m *Manager) InsertWFT(runID string, task *OutstandingTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.runs[runID]
	if !ok {
		return &wferrors.WorkflowMissingError{RunID: runID}
	}
	entry.task = task
	return nil
}

// CompleteWFT removes the run's OutstandingTask if the machines report the
// WFT logically finished, or if reported is true (which forces removal
// regardless of the machines' opinion), per spec.md §4.4.
func (m *Manager) CompleteWFT(runID string, reported bool) (*OutstandingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.runs[runID]
	if !ok {
		return nil, &wferrors.WorkflowMissingError{RunID: runID}
	}

	finished := reported
	if !finished && entry.mgr != nil {
		finished = !entry.mgr.MorePendingActivations()
	}
	if !finished {
		return nil, nil
	}

	t := entry.task
	entry.task = nil
	return t, nil
}

// GetTask returns the run's OutstandingTask, or nil if none.
func (m *Manager) GetTask(runID string) (*OutstandingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.runs[runID]
	if !ok {
		return nil, &wferrors.WorkflowMissingError{RunID: runID}
	}
	return entry.task, nil
}

// GetActivation returns the run's OutstandingActivation, or nil if none.
func (m *Manager) GetActivation(runID string) *OutstandingActivation {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.runs[runID]
	if !ok {
		return nil
	}
	return entry.activation
}

// InsertActivation records a new OutstandingActivation for runID. Inserting
// when one already exists is a programming error - per spec.md §9's open
// question, this is a required invariant, not a recoverable error, so it
// panics rather than returning one.
func (m *Manager) InsertActivation(runID string, kind *OutstandingActivation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.runs[runID]
	if !ok {
		return &wferrors.WorkflowMissingError{RunID: runID}
	}
	if entry.activation != nil {
		panic(fmt.Sprintf("wfconcurrency: duplicate outstanding activation for run_id=%s", runID))
	}
	entry.activation = kind
	return nil
}

// DeleteActivation clears runID's OutstandingActivation, if any.
func (m *Manager) DeleteActivation(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.runs[runID]; ok {
		entry.activation = nil
	}
}

// BufferRespIfOutstandingWork stores poll in runID's single buffer slot and
// returns (zero, false) if the run already has an outstanding task or
// activation (the caller must not apply poll directly); otherwise returns
// (poll, true) unchanged. A poll-response buffer slot that's already
// occupied is a protocol violation - the server promised run exclusivity -
// and panics.
func (m *Manager) BufferRespIfOutstandingWork(runID string, poll client.PollWorkflowTaskResponse) (client.PollWorkflowTaskResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.runs[runID]
	if !ok || (entry.task == nil && entry.activation == nil) {
		return poll, true
	}

	if entry.buffered != nil {
		panic(fmt.Sprintf("wfconcurrency: buffered poll slot already occupied for run_id=%s", runID))
	}
	p := poll
	entry.buffered = &p
	return client.PollWorkflowTaskResponse{}, false
}

// TakeBufferedPoll removes and returns runID's buffered poll response, if
// any.
func (m *Manager) TakeBufferedPoll(runID string) (client.PollWorkflowTaskResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.runs[runID]
	if !ok || entry.buffered == nil {
		return client.PollWorkflowTaskResponse{}, false
	}
	p := *entry.buffered
	entry.buffered = nil
	return p, true
}

// AreOutstandingEvictions reports whether any tracked run's
// OutstandingActivation contains an eviction job.
func (m *Manager) AreOutstandingEvictions() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.runs {
		if entry.activation != nil && entry.activation.ContainsEviction {
			return true
		}
	}
	return false
}

// Evict destroys runID's machines and returns its buffered poll response, if
// any.
func (m *Manager) Evict(runID string) (client.PollWorkflowTaskResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.runs[runID]
	if !ok {
		return client.PollWorkflowTaskResponse{}, false
	}
	delete(m.runs, runID)
	if entry.buffered == nil {
		return client.PollWorkflowTaskResponse{}, false
	}
	return *entry.buffered, true
}
