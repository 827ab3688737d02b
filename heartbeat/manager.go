// Package heartbeat implements the activity heartbeat manager (spec.md
// §4.6, C6): per-activity coalescing of RecordActivityHeartbeat calls so a
// busy activity reporting progress frequently doesn't flood the server with
// one RPC per call, plus the channel the worker drains for server-requested
// cancellations surfaced via a heartbeat response.
//
// The coalescing shape - a per-key state plus a flush timer, with a later
// call superseding an in-flight one rather than queueing behind it - is
// adapted from the teacher's microbatch.Batcher ping/pong-channel design,
// but keyed per task token rather than batched globally: a heartbeat is a
// "latest value wins" debounce, not a batch of independent jobs to process
// together.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/debuggerpk/wfcore/client"
	"github.com/debuggerpk/wfcore/corelog"
	"github.com/debuggerpk/wfcore/wferrors"
)

// ActivityHeartbeat is a single heartbeat record request (spec.md §3).
type ActivityHeartbeat struct {
	TaskToken client.TaskToken
	Details   []byte
}

// PendingActivityCancel is surfaced to the worker's activity pipeline when a
// heartbeat response indicates the server wants an in-flight activity
// cancelled, or when a heartbeat fails because the server no longer knows the
// task token (Reason CancelNotFound).
type PendingActivityCancel struct {
	TaskToken client.TaskToken
	Reason    client.ActivityCancelReason
}

type taskState struct {
	mu            sync.Mutex
	latest        []byte
	hasPending    bool
	lastSent      time.Time
	throttle      time.Duration
	timer         *time.Timer
	flushInFlight bool
}

// Manager coalesces heartbeat calls per task token and reports
// server-requested cancellations on a single channel (spec.md §4.6).
type Manager struct {
	client client.WorkerClient
	log    corelog.Logger

	mu    sync.Mutex
	tasks map[client.TaskToken]*taskState

	cancelCh chan PendingActivityCancel
	shutdown chan struct{}
	once     sync.Once
}

// New constructs a Manager. wc is used to actually issue the throttled
// RecordActivityHeartbeat RPCs.
func New(wc client.WorkerClient, log corelog.Logger) *Manager {
	if log == nil {
		log = corelog.Nop()
	}
	return &Manager{
		client:   wc,
		log:      log,
		tasks:    make(map[client.TaskToken]*taskState),
		cancelCh: make(chan PendingActivityCancel, 64),
		shutdown: make(chan struct{}),
	}
}

// Record ingests a heartbeat. If the task has not been heartbeated within
// throttleInterval, the RPC is issued immediately; otherwise the details are
// retained (superseding any not-yet-sent details) and a timer is armed to
// flush at the end of the current throttle window, per spec.md §4.6's
// clamp formula: the server is never contacted more than once per
// throttleInterval for a single task token.
func (m *Manager) Record(ctx context.Context, hb ActivityHeartbeat, throttleInterval time.Duration) error {
	select {
	case <-m.shutdown:
		return wferrors.ShutDown()
	default:
	}

	st := m.stateFor(hb.TaskToken, throttleInterval)

	st.mu.Lock()
	st.throttle = throttleInterval
	elapsed := time.Since(st.lastSent)
	if elapsed >= throttleInterval || st.lastSent.IsZero() {
		st.lastSent = time.Now()
		st.latest = hb.Details
		st.hasPending = false
		st.mu.Unlock()
		return m.send(ctx, hb.TaskToken, hb.Details)
	}

	st.latest = hb.Details
	st.hasPending = true
	if st.timer == nil {
		wait := throttleInterval - elapsed
		st.timer = time.AfterFunc(wait, func() { m.flush(hb.TaskToken) })
	}
	st.mu.Unlock()
	return nil
}

func (m *Manager) stateFor(token client.TaskToken, throttle time.Duration) *taskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tasks[token]
	if !ok {
		st = &taskState{throttle: throttle}
		m.tasks[token] = st
	}
	return st
}

func (m *Manager) flush(token client.TaskToken) {
	m.mu.Lock()
	st, ok := m.tasks[token]
	m.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if !st.hasPending {
		st.timer = nil
		st.mu.Unlock()
		return
	}
	details := st.latest
	st.hasPending = false
	st.lastSent = time.Now()
	st.timer = nil
	st.mu.Unlock()

	if err := m.send(context.Background(), token, details); err != nil {
		m.log.Warning().Str("task_token", string(token)).Err(err).Log("throttled heartbeat flush failed")
	}
}

func (m *Manager) send(ctx context.Context, token client.TaskToken, details []byte) error {
	if m.client == nil {
		return nil
	}
	cancelRequested, err := m.client.RecordActivityHeartbeat(ctx, token, details)
	if err != nil {
		if wferrors.IsNotFound(err) {
			m.pushCancel(PendingActivityCancel{TaskToken: token, Reason: client.CancelNotFound})
			return &wferrors.ActivityHeartbeatError{Kind: wferrors.UnknownActivity}
		}
		return err
	}
	if cancelRequested {
		m.pushCancel(PendingActivityCancel{TaskToken: token, Reason: client.CancelGoAway})
	}
	return nil
}

func (m *Manager) pushCancel(c PendingActivityCancel) {
	select {
	case m.cancelCh <- c:
	default:
		m.log.Warning().Str("task_token", string(c.TaskToken)).Log("pending cancel buffer full, dropping")
	}
}

// NextPendingCancel blocks until a cancellation is surfaced or the manager
// shuts down, in which case ok is false.
func (m *Manager) NextPendingCancel(ctx context.Context) (PendingActivityCancel, bool) {
	select {
	case c, ok := <-m.cancelCh:
		return c, ok
	case <-m.shutdown:
		return PendingActivityCancel{}, false
	case <-ctx.Done():
		return PendingActivityCancel{}, false
	}
}

// Cancellations exposes the raw channel, for callers (the activity task
// pipeline's biased poll) that need to select over it alongside other
// sources without blocking.
func (m *Manager) Cancellations() <-chan PendingActivityCancel { return m.cancelCh }

// ShutdownChan exposes the shutdown signal for the same reason.
func (m *Manager) ShutdownChan() <-chan struct{} { return m.shutdown }

// Evict stops tracking token, cancelling any pending flush timer. Called
// once an activity completes so a stray late heartbeat doesn't resurrect
// throttle state for a task token the server no longer recognizes.
func (m *Manager) Evict(token client.TaskToken) {
	m.mu.Lock()
	st, ok := m.tasks[token]
	delete(m.tasks, token)
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if st.timer != nil {
		st.timer.Stop()
	}
	st.mu.Unlock()
}

// Shutdown stops accepting new heartbeats and releases goroutines waiting in
// NextPendingCancel. The channel returned by Cancellations is not closed.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.shutdown)
	})
}
