// Package activitytask implements the worker activity task pipeline
// (spec.md §4.7, C7): slot-gated polling for new activity work multiplexed
// with server-requested cancellations, outstanding-activity bookkeeping, and
// completion reporting.
//
// The poll's priority - check for a pending cancellation before trying for
// new work, and never block on the first check - is grounded on the same
// "select with a non-blocking default, then fall back to a real select"
// idiom the teacher's longpoll.Channel uses for its MaxSizeLoop: cancels
// must never queue up behind a long poll for new work.
package activitytask

import (
	"context"
	"sync"
	"time"

	"github.com/debuggerpk/wfcore/client"
	"github.com/debuggerpk/wfcore/corelog"
	"github.com/debuggerpk/wfcore/heartbeat"
	"github.com/debuggerpk/wfcore/metrics"
	"github.com/debuggerpk/wfcore/slotsem"
	"github.com/debuggerpk/wfcore/wferrors"
)

// RemoteInFlightActivity tracks a task the worker has accepted from the
// server and not yet completed (spec.md §3).
type RemoteInFlightActivity struct {
	TaskToken        client.TaskToken
	ActivityType     string
	WorkflowType     string
	Execution        client.WorkflowExecution
	ScheduledTime    time.Time
	StartedTime      time.Time
	HeartbeatTimeout time.Duration

	permit             *slotsem.Permit
	knownNotFound      bool
	issuedCancelToHost bool
}

// OutcomeKind tags what Poll produced.
type OutcomeKind int

const (
	// OutcomeNone means the poll round returned no work (a long-poll
	// timeout); the caller should simply poll again.
	OutcomeNone OutcomeKind = iota
	OutcomeStart
	OutcomeCancel
	OutcomeShutdown
)

// PollOutcome is the sum type Poll returns (spec.md §4.7.1's ActivityTask,
// rendered as a tagged struct rather than an interface, matching this
// module's style elsewhere).
type PollOutcome struct {
	Kind   OutcomeKind
	Task   RemoteInFlightActivity
	Cancel heartbeat.PendingActivityCancel
}

// Poller fetches the next activity task poll response from the server. It
// must itself respect ctx and return promptly on cancellation. The actual
// transport is an external collaborator, out of scope here.
type Poller func(ctx context.Context) (client.PollActivityTaskResponse, error)

// Tasks is the worker activity task pipeline (spec.md C7).
type Tasks struct {
	sem *slotsem.Semaphore
	hb  *heartbeat.Manager

	mu          sync.Mutex
	outstanding map[client.TaskToken]*RemoteInFlightActivity

	metrics  metrics.Sink
	log      corelog.Logger
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// New constructs a Tasks pipeline gated by maxConcurrent activity slots.
func New(maxConcurrent int, hb *heartbeat.Manager, sink metrics.Sink, log corelog.Logger) *Tasks {
	if sink == nil {
		sink = metrics.Noop{}
	}
	if log == nil {
		log = corelog.Nop()
	}
	return &Tasks{
		sem:         slotsem.New(maxConcurrent, sink, 0),
		hb:          hb,
		outstanding: make(map[client.TaskToken]*RemoteInFlightActivity),
		metrics:     sink,
		log:         log,
		shutdown:    make(chan struct{}),
	}
}

// Poll returns the next thing the worker should act on: a server-requested
// cancellation takes priority (checked non-blocking first, per the biased
// idiom above), otherwise it acquires a slot and polls the server for new
// work, per spec.md §4.7.1.
func (t *Tasks) Poll(ctx context.Context, poll Poller) (PollOutcome, error) {
	for {
		select {
		case <-t.shutdown:
			return PollOutcome{Kind: OutcomeShutdown}, nil
		case c, ok := <-t.hb.Cancellations():
			if !ok {
				return PollOutcome{Kind: OutcomeShutdown}, nil
			}
			if outcome, deliver := t.resolveCancel(c); deliver {
				return outcome, nil
			}
			continue
		default:
		}

		permit, err := t.sem.Acquire(ctx)
		if err != nil {
			return PollOutcome{}, err
		}

		select {
		case <-t.shutdown:
			permit.Release()
			return PollOutcome{Kind: OutcomeShutdown}, nil
		case c, ok := <-t.hb.Cancellations():
			permit.Release()
			if !ok {
				return PollOutcome{Kind: OutcomeShutdown}, nil
			}
			if outcome, deliver := t.resolveCancel(c); deliver {
				return outcome, nil
			}
			continue
		default:
		}

		resp, err := poll(ctx)
		if err != nil {
			permit.Release()
			return PollOutcome{}, wferrors.Transport(err)
		}
		if resp.IsDefault() {
			permit.Release()
			t.metrics.ActivityPollTimeout()
			return PollOutcome{Kind: OutcomeNone}, nil
		}

		if d, ok := resp.SchedToStart(); ok {
			t.metrics.ActivitySchedToStartLatency(d)
		}

		task := &RemoteInFlightActivity{
			TaskToken:        resp.TaskToken,
			ActivityType:     resp.ActivityType,
			WorkflowType:     resp.WorkflowType,
			Execution:        resp.WorkflowExecution,
			ScheduledTime:    resp.ScheduledTime,
			StartedTime:      resp.StartedTime,
			HeartbeatTimeout: resp.HeartbeatTimeout,
			permit:           permit,
		}

		t.mu.Lock()
		t.outstanding[task.TaskToken] = task
		t.mu.Unlock()
		t.wg.Add(1)

		return PollOutcome{Kind: OutcomeStart, Task: *task}, nil
	}
}

// resolveCancel looks up a server-requested cancellation's task token and
// reports whether Poll should actually deliver it to the caller. A cancel
// for a task token that's gone - already completed, evicted, or never
// ours - is an orphan (spec.md §4.7.1: "if the task is gone, ignore") and is
// dropped; a second cancel for a token already delivered is suppressed so
// the language host is never issued the same cancellation twice.
func (t *Tasks) resolveCancel(c heartbeat.PendingActivityCancel) (PollOutcome, bool) {
	t.mu.Lock()
	task, ok := t.outstanding[c.TaskToken]
	if ok {
		if task.issuedCancelToHost {
			ok = false
		} else {
			task.issuedCancelToHost = true
			if c.Reason == client.CancelNotFound {
				task.knownNotFound = true
			}
		}
	}
	t.mu.Unlock()
	if !ok {
		return PollOutcome{}, false
	}
	return PollOutcome{Kind: OutcomeCancel, Cancel: c}, true
}

// RecordHeartbeat forwards a heartbeat for an outstanding activity,
// returning wferrors.ActivityHeartbeatError{Kind: UnknownActivity} if the
// task token is not (or no longer) tracked.
func (t *Tasks) RecordHeartbeat(ctx context.Context, token client.TaskToken, details []byte, throttleInterval time.Duration) error {
	t.mu.Lock()
	_, ok := t.outstanding[token]
	t.mu.Unlock()
	if !ok {
		return &wferrors.ActivityHeartbeatError{Kind: wferrors.UnknownActivity}
	}
	return t.hb.Record(ctx, heartbeat.ActivityHeartbeat{TaskToken: token, Details: details}, throttleInterval)
}

// Complete reports an activity's outcome to the server and releases its
// slot, per spec.md §4.7.3. It removes the outstanding-activity entry and
// evicts its heartbeat state before issuing the completion RPC, so a
// concurrent cancel poll can never observe a task token mid-completion. If
// the token isn't tracked, Complete logs a warning and returns nil rather
// than erroring - per spec.md §4.7.3, removal is a no-op-with-warning when
// the entry is already gone.
func (t *Tasks) Complete(ctx context.Context, wc client.WorkerClient, token client.TaskToken, completion client.ActivityCompletion) error {
	t.mu.Lock()
	task, ok := t.outstanding[token]
	delete(t.outstanding, token)
	t.mu.Unlock()

	t.hb.Evict(token)

	if !ok {
		t.log.Warning().Str("task_token", string(token)).Log("complete called for unknown task token")
		return nil
	}

	defer func() {
		task.permit.Release()
		t.wg.Done()
	}()

	// The server already discarded this task token (spec.md S4); reporting
	// back would just surface a spurious not-found from the transport.
	if task.knownNotFound {
		return nil
	}

	var err error
	switch completion.Status {
	case client.StatusCompleted:
		err = wc.CompleteActivityTask(ctx, token, completion.Result)
	case client.StatusFailed:
		err = wc.FailActivityTask(ctx, token, completion.Failure)
		t.metrics.ActivityExecutionFailed(task.ActivityType, task.WorkflowType)
	case client.StatusCancelled:
		var details []byte
		if completion.Cancelled != nil {
			details = completion.Cancelled.Details
		}
		err = wc.CancelActivityTask(ctx, token, details)
	case client.StatusWillCompleteAsync:
		// nothing to report; the activity will be completed out of band.
	}

	if !task.StartedTime.IsZero() {
		t.metrics.ActivityExecutionLatency(task.ActivityType, task.WorkflowType, time.Since(task.StartedTime))
	}

	return err
}

// OutstandingCount reports how many activities are currently in flight.
func (t *Tasks) OutstandingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}

// WaitAllFinished blocks until every outstanding activity has been passed to
// Complete, or ctx is cancelled.
func (t *Tasks) WaitAllFinished(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyShutdown makes Poll report OutcomeShutdown at its next shutdown check
// and shuts down the heartbeat manager. A Poll call already blocked acquiring
// a slot or inside the poller is not woken by it; that wait ends only through
// its ctx or the poller returning.
func (t *Tasks) NotifyShutdown() {
	t.once.Do(func() {
		close(t.shutdown)
	})
	t.hb.Shutdown()
}

// Shutdown signals shutdown and waits (up to ctx) for outstanding activities
// to drain, then closes the underlying slot semaphore.
func (t *Tasks) Shutdown(ctx context.Context) error {
	t.NotifyShutdown()
	err := t.WaitAllFinished(ctx)
	t.sem.Close()
	return err
}
