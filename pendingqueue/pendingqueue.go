// Package pendingqueue implements the FIFO of "this run owes the host an
// activation" notices (spec.md §4.3, C3), including eviction notices folded
// into existing entries, and the skip-predicate pop used to avoid handing
// out a second activation for a run that already has one outstanding.
package pendingqueue

import (
	"container/list"
	"sync"

	"github.com/debuggerpk/wfcore/wferrors"
)

// Eviction carries the reason and message attached to an entry via
// NotifyNeedsEviction.
type Eviction struct {
	Reason  wferrors.EvictionReason
	Message string
}

// Entry is a single queued notice (spec.md §3 PendingActivationEntry).
type Entry struct {
	RunID         string
	NeedsEviction *Eviction
}

// Queue is a run-id-keyed FIFO: at most one plain entry per run_id, with
// eviction notices idempotently merged into the existing entry for that
// run_id rather than creating duplicates.
type Queue struct {
	mu      sync.Mutex
	order   *list.List
	byRunID map[string]*list.Element
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{
		order:   list.New(),
		byRunID: make(map[string]*list.Element),
	}
}

// NotifyNeedsActivation appends a plain entry for runID. Duplicates collapse:
// if an entry for runID is already queued, this is a no-op.
func (q *Queue) NotifyNeedsActivation(runID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byRunID[runID]; ok {
		return
	}
	el := q.order.PushBack(&Entry{RunID: runID})
	q.byRunID[runID] = el
}

// NotifyNeedsEviction sets the NeedsEviction field on the existing entry for
// runID, creating one (at the back of the queue) if absent. Repeated calls
// for the same run are idempotent: only the first eviction notice sticks.
func (q *Queue) NotifyNeedsEviction(runID, message string, reason wferrors.EvictionReason) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.byRunID[runID]
	if !ok {
		el = q.order.PushBack(&Entry{RunID: runID})
		q.byRunID[runID] = el
	}
	entry := el.Value.(*Entry)
	if entry.NeedsEviction == nil {
		entry.NeedsEviction = &Eviction{Reason: reason, Message: message}
	}
}

// PopFirstMatching returns and removes the first queued entry whose RunID
// satisfies pred, skipping over entries that don't (e.g. runs which already
// have an outstanding activation). Returns (Entry{}, false) if no entry
// matches.
func (q *Queue) PopFirstMatching(pred func(runID string) bool) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for el := q.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*Entry)
		if pred(entry.RunID) {
			q.order.Remove(el)
			delete(q.byRunID, entry.RunID)
			return *entry, true
		}
	}
	return Entry{}, false
}

// HasPending reports whether runID currently has a queued entry.
func (q *Queue) HasPending(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byRunID[runID]
	return ok
}

// IsSomeEviction reports whether any queued entry carries an eviction
// notice.
func (q *Queue) IsSomeEviction() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for el := q.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*Entry).NeedsEviction != nil {
			return true
		}
	}
	return false
}

// RemoveAllWithRunID purges every queued entry for runID (there is at most
// one, but this is defensive and idempotent).
func (q *Queue) RemoveAllWithRunID(runID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if el, ok := q.byRunID[runID]; ok {
		q.order.Remove(el)
		delete(q.byRunID, runID)
	}
}

// Len reports the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}
