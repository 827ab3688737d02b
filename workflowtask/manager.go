// Package workflowtask implements the Workflow Task Manager (spec.md §4.5,
// C5): the heart of the worker core. It orchestrates the run cache, the
// pending-activation queue, and the per-run concurrency manager to ingest
// poll responses, choose the next activation to hand the language host,
// apply the host's reply, and report completion back to the server.
//
// It is intentionally free of any interaction with the server client, to
// promote testability - exactly the design goal stated by the teacher
// implementation this behavior is grounded on
// (original_source/core/src/workflow/workflow_tasks/mod.rs).
package workflowtask

import (
	"context"
	"time"

	"github.com/debuggerpk/wfcore/client"
	"github.com/debuggerpk/wfcore/corelog"
	"github.com/debuggerpk/wfcore/machines"
	"github.com/debuggerpk/wfcore/metrics"
	"github.com/debuggerpk/wfcore/pendingqueue"
	"github.com/debuggerpk/wfcore/runcache"
	"github.com/debuggerpk/wfcore/wfconcurrency"
	"github.com/debuggerpk/wfcore/wferrors"
)

// WftHeartbeatTimeoutFraction is the portion of a WFT timeout the manager is
// willing to wait before heartbeating a slow-local-activity WFT (spec.md
// §6 Constants, WFT_HEARTBEAT_TIMEOUT_FRACTION).
const WftHeartbeatTimeoutFraction = 0.8

// OutcomeKind tags the result of ApplyNewPollResp or NextPendingActivation.
type OutcomeKind int

const (
	OutcomeIssueActivation OutcomeKind = iota
	OutcomeTaskBuffered
	OutcomeAutocomplete
	OutcomeEvict
	OutcomeLocalActsOutstanding
	OutcomeNone
)

// Outcome is the NewWfTaskOutcome sum type from spec.md §4.5.1, rendered as
// a tagged struct.
type Outcome struct {
	Kind       OutcomeKind
	Activation machines.Activation
	Err        *wferrors.WorkflowUpdateError
}

// Manager is the Workflow Task Manager (spec.md C5).
type Manager struct {
	concurrency *wfconcurrency.Manager
	cache       *runcache.Cache
	pending     *pendingqueue.Queue
	pendingQueries chan machines.Activation

	pendingNotifier *wfconcurrency.Notifier

	metrics metrics.Sink
	log     corelog.Logger
}

// New constructs a Manager. newMgr is passed through to the concurrency
// manager to construct fresh replay state machines on first contact with a
// run (spec.md §1 - the machines themselves are out of scope here).
func New(cachePolicy runcache.Policy, newMgr func(machines.HistoryUpdate) (machines.Manager, error), sink metrics.Sink, log corelog.Logger) *Manager {
	if sink == nil {
		sink = metrics.Noop{}
	}
	if log == nil {
		log = corelog.Nop()
	}
	return &Manager{
		concurrency:     wfconcurrency.New(newMgr),
		cache:           runcache.New(cachePolicy),
		pending:         pendingqueue.New(),
		pendingQueries:  make(chan machines.Activation, 64),
		pendingNotifier: wfconcurrency.NewNotifier(),
		metrics:         sink,
		log:             log,
	}
}

// ApplyNewPollResp ingests a new poll response, per spec.md §4.5.1.
func (m *Manager) ApplyNewPollResp(poll client.PollWorkflowTaskResponse) Outcome {
	runID := poll.WorkflowExecution.RunID

	if _, ok := m.concurrency.BufferRespIfOutstandingWork(runID, poll); !ok {
		return Outcome{Kind: OutcomeTaskBuffered}
	}

	legacyQuery := poll.LegacyQuery

	update := machines.HistoryUpdate{
		Events:        poll.History,
		NextPageToken: poll.NextPageToken,
		Paginator:     poll.Paginator,
	}
	incremental := update.IsIncremental()
	existedBefore := m.concurrency.Exists(runID)

	if !existedBefore && incremental {
		if update.Paginator != nil {
			update.Paginator.SetStartCursor()
		}
		m.metrics.StickyCacheMiss()
	}

	activation, err := m.concurrency.CreateOrUpdate(runID, update, poll.PreviousStartedEventID)
	if err != nil {
		return m.evictOutcome(runID, err)
	}

	if len(poll.QueryRequests) > 0 && legacyQuery != nil {
		return m.evictOutcome(runID, &wferrors.WorkflowUpdateError{
			Kind:  wferrors.Fatal,
			RunID: runID,
			Err:   errFatalf("poll response carries both query_requests and legacy_query"),
		})
	}

	cacheHit := existedBefore && incremental

	switch {
	case len(poll.QueryRequests) > 0:
		for _, q := range poll.QueryRequests {
			job := machines.Job{Kind: machines.JobQueryWorkflow, QueryID: q.ID, Query: q.Query}
			if cacheHit {
				activation.Jobs = append(activation.Jobs, job)
			} else {
				m.queueDeferredQuery(runID, job)
			}
		}
	case legacyQuery != nil:
		job := machines.Job{Kind: machines.JobQueryWorkflow, QueryID: machines.LegacyQueryID, Query: legacyQuery.Query}
		if len(activation.Jobs) > 0 {
			m.queueDeferredQuery(runID, job)
		} else {
			activation.Jobs = append(activation.Jobs, job)
		}
	}

	task := &wfconcurrency.OutstandingTask{
		TaskToken: poll.TaskToken,
		Attempt:   poll.Attempt,
		StartTime: time.Now(),
	}
	if err := m.concurrency.InsertWFT(runID, task); err != nil {
		return m.evictOutcome(runID, err)
	}

	if len(activation.Jobs) == 0 {
		outstandingLA := 0
		if err := m.concurrency.AccessSync(runID, func(s *wfconcurrency.RunSnapshot) error {
			outstandingLA = s.Manager().OutstandingLocalActivityCount()
			return nil
		}); err != nil {
			return m.evictOutcome(runID, err)
		}
		if outstandingLA > 0 {
			return Outcome{Kind: OutcomeLocalActsOutstanding}
		}
		return Outcome{Kind: OutcomeAutocomplete}
	}

	if err := m.concurrency.InsertActivation(runID, &wfconcurrency.OutstandingActivation{
		Kind:             wfconcurrency.ActivationNormal,
		ContainsEviction: activation.ContainsEviction(),
		NumJobs:          len(activation.Jobs),
	}); err != nil {
		return m.evictOutcome(runID, err)
	}

	return Outcome{Kind: OutcomeIssueActivation, Activation: activation}
}

func (m *Manager) queueDeferredQuery(runID string, job machines.Job) {
	select {
	case m.pendingQueries <- machines.Activation{RunID: runID, Jobs: []machines.Job{job}}:
	default:
		m.log.Warning().Str("run_id", runID).Log("pending_queries buffer full, dropping deferred query")
	}
}

// evictOutcome wraps err into an eviction outcome and, if the run is still
// tracked, enqueues the actual eviction notice so it reaches the language
// host via the normal NextPendingActivation path rather than being destroyed
// out from under a possibly still-outstanding task.
func (m *Manager) evictOutcome(runID string, err error) Outcome {
	var wue *wferrors.WorkflowUpdateError
	if missing, ok := err.(*wferrors.WorkflowMissingError); ok {
		wue = missing.AsWorkflowUpdateError()
	} else if asWue, ok := err.(*wferrors.WorkflowUpdateError); ok {
		wue = asWue
	} else {
		wue = &wferrors.WorkflowUpdateError{Kind: wferrors.Recoverable, RunID: runID, Err: err}
	}
	m.RequestEviction(runID, wue.Error(), wue.EvictionReason())
	return Outcome{Kind: OutcomeEvict, Err: wue}
}

type fatalErr string

func errFatalf(msg string) error { return fatalErr(msg) }
func (e fatalErr) Error() string { return string(e) }

// NextPendingActivation chooses the next activation to dispatch, per
// spec.md §4.5.2's priority order: legacy queries first, then the pending
// queue subject to the skip rule.
func (m *Manager) NextPendingActivation() (Outcome, bool) {
	select {
	case act := <-m.pendingQueries:
		if err := m.concurrency.InsertActivation(act.RunID, &wfconcurrency.OutstandingActivation{Kind: wfconcurrency.ActivationLegacyQuery}); err != nil {
			return m.evictOutcome(act.RunID, err), true
		}
		return Outcome{Kind: OutcomeIssueActivation, Activation: act}, true
	default:
	}

	for {
		entry, ok := m.pending.PopFirstMatching(func(runID string) bool {
			return m.concurrency.GetActivation(runID) == nil
		})
		if !ok {
			return Outcome{}, false
		}

		var activation machines.Activation
		err := m.concurrency.AccessSync(entry.RunID, func(s *wfconcurrency.RunSnapshot) error {
			a, aerr := s.Manager().GetActivation()
			activation = a
			return aerr
		})
		if err != nil {
			if _, isMissing := err.(*wferrors.WorkflowMissingError); isMissing {
				m.pending.NotifyNeedsEviction(entry.RunID, "workflow missing", wferrors.EvictionFatal)
				continue
			}
			return m.evictOutcome(entry.RunID, err), true
		}

		if len(activation.Jobs) == 0 && entry.NeedsEviction != nil {
			activation.RunID = entry.RunID
			activation.Jobs = append(activation.Jobs, machines.Job{
				Kind:            machines.JobEviction,
				EvictionReason:  entry.NeedsEviction.Reason,
				EvictionMessage: entry.NeedsEviction.Message,
			})
		}

		if len(activation.Jobs) == 0 {
			continue
		}

		activation.RunID = entry.RunID
		if err := m.concurrency.InsertActivation(entry.RunID, &wfconcurrency.OutstandingActivation{
			Kind:             wfconcurrency.ActivationNormal,
			ContainsEviction: activation.ContainsEviction(),
			NumJobs:          len(activation.Jobs),
		}); err != nil {
			return m.evictOutcome(entry.RunID, err), true
		}
		m.cache.Touch(entry.RunID)

		return Outcome{Kind: OutcomeIssueActivation, Activation: activation}, true
	}
}

// ReplyKind tags the shape of the reply SuccessfulActivation produces.
type ReplyKind int

const (
	ReplyNone ReplyKind = iota
	ReplyRespondLegacyQuery
	ReplyWftComplete
)

// ActivationReply is what the manager decides to send back to the server
// (or not) after the host replies to an activation (spec.md §4.5.3).
type ActivationReply struct {
	Kind           ReplyKind
	TaskToken      client.TaskToken
	Commands       []machines.Command
	QueryResponses []machines.Command
	ForceNewWft    bool
}

// SuccessfulActivation handles the host's reply to a successfully-processed
// activation, per spec.md §4.5.3.
func (m *Manager) SuccessfulActivation(ctx context.Context, runID string, commands []machines.Command, laSink machines.LocalActivitySink) (ActivationReply, error) {
	task, err := m.concurrency.GetTask(runID)
	if err != nil {
		return ActivationReply{}, err
	}
	actKind := m.concurrency.GetActivation(runID)
	evictionOnly := actKind != nil && actKind.ContainsEviction

	if task == nil {
		if evictionOnly {
			return ActivationReply{Kind: ReplyNone}, nil
		}
		m.log.Warning().Str("run_id", runID).Log("successful activation reply for run with no outstanding task")
		return ActivationReply{Kind: ReplyNone}, nil
	}

	if len(commands) == 1 && commands[0].IsQueryResponse && commands[0].QueryID == machines.LegacyQueryID {
		return ActivationReply{Kind: ReplyRespondLegacyQuery, TaskToken: task.TaskToken}, nil
	}

	var queryResponses, nonQuery []machines.Command
	for _, c := range commands {
		if c.IsQueryResponse {
			if c.QueryID == machines.LegacyQueryID && len(commands) > 1 {
				return ActivationReply{}, errFatalf("legacy query response id mixed with other commands")
			}
			queryResponses = append(queryResponses, c)
		} else {
			nonQuery = append(nonQuery, c)
		}
	}

	var (
		wftTimeout   time.Duration
		newLAReqs    []machines.LocalActivityRequest
	)
	if err := Access(ctx, m.concurrency, runID, func(mgr machines.Manager) (struct{}, error) {
		if err := mgr.ApplyCommands(nonQuery); err != nil {
			return struct{}{}, err
		}
		if !evictionOnly {
			if _, err := mgr.ApplyBufferedTaskIfReady(); err != nil {
				return struct{}{}, err
			}
		}
		newLAReqs = mgr.OutgoingLocalActivityRequests()
		wftTimeout = mgr.StartedAttributes().WorkflowTaskTimeout
		return struct{}{}, nil
	}); err != nil {
		return ActivationReply{}, err
	}

	moreActivations := false
	_ = m.concurrency.AccessSync(runID, func(s *wfconcurrency.RunSnapshot) error {
		moreActivations = s.Manager().MorePendingActivations()
		return nil
	})
	if moreActivations {
		m.NotifyNeedsActivation(runID)
	}

	forceNewWft := false
	if len(newLAReqs) > 0 && laSink != nil {
		resolutions := laSink.Submit(runID, newLAReqs)
		if len(resolutions) > 0 {
			_ = Access(ctx, m.concurrency, runID, func(mgr machines.Manager) (struct{}, error) {
				for _, res := range resolutions {
					if err := mgr.NotifyOfLocalResult(res); err != nil {
						return struct{}{}, err
					}
				}
				return struct{}{}, nil
			})
		}
	}

	if wftTimeout > 0 {
		deadline := task.StartTime.Add(time.Duration(float64(wftTimeout) * WftHeartbeatTimeoutFraction))
		forceNewWft = m.waitForLocalActivitiesOrHeartbeat(ctx, runID, deadline)
	}

	replaying := false
	_ = m.concurrency.AccessSync(runID, func(s *wfconcurrency.RunSnapshot) error {
		replaying = s.Manager().IsReplaying()
		return nil
	})

	onlyServicingQuery := m.pending.HasPending(runID) && len(nonQuery) == 0 && len(queryResponses) > 0

	suppress := m.pending.HasPending(runID) || replaying || onlyServicingQuery || (evictionOnly && len(nonQuery) == 0 && len(queryResponses) == 0)
	if len(queryResponses) > 0 {
		suppress = false
	}

	if suppress {
		return ActivationReply{Kind: ReplyNone}, nil
	}

	return ActivationReply{
		Kind:           ReplyWftComplete,
		TaskToken:      task.TaskToken,
		Commands:       nonQuery,
		QueryResponses: queryResponses,
		ForceNewWft:    forceNewWft,
	}, nil
}

// waitForLocalActivitiesOrHeartbeat implements spec.md §4.5.4: wait until
// either all local activities resolve or the deadline elapses, whichever
// comes first. Returns true (heartbeat required) iff the deadline won.
func (m *Manager) waitForLocalActivitiesOrHeartbeat(ctx context.Context, runID string, deadline time.Time) bool {
	for {
		outstanding := 0
		_ = m.concurrency.AccessSync(runID, func(s *wfconcurrency.RunSnapshot) error {
			outstanding = s.Manager().OutstandingLocalActivityCount()
			return nil
		})
		if outstanding == 0 {
			return false
		}
		if !time.Now().Before(deadline) {
			return true
		}

		timer := time.NewTimer(time.Until(deadline))
		wake := m.pendingNotifier.Subscribe()
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
			return true
		case <-wake:
			timer.Stop()
		}
	}
}

// NotifyNeedsActivation enqueues a plain pending-activation notice and wakes
// every current waiter (spec.md §5: broadcast when new pending activations
// may satisfy several waiters).
func (m *Manager) NotifyNeedsActivation(runID string) {
	m.pending.NotifyNeedsActivation(runID)
	m.pendingNotifier.NotifyAll()
}

// FailureOutcomeKind tags the result of FailedActivation.
type FailureOutcomeKind int

const (
	FailureNoReport FailureOutcomeKind = iota
	FailureReportLegacyQuery
	FailureReportToServer
)

// FailureOutcome is the result of FailedActivation, per spec.md §4.5.5.
type FailureOutcome struct {
	Kind      FailureOutcomeKind
	TaskToken client.TaskToken
}

// FailedActivation handles a host-reported activation failure, per spec.md
// §4.5.5.
func (m *Manager) FailedActivation(runID string, reason wferrors.EvictionReason, message string) FailureOutcome {
	task, _ := m.concurrency.GetTask(runID)
	if task == nil {
		return FailureOutcome{Kind: FailureNoReport}
	}

	m.metrics.WorkflowTaskFailed()

	if act := m.concurrency.GetActivation(runID); act != nil && act.Kind == wfconcurrency.ActivationLegacyQuery {
		return FailureOutcome{Kind: FailureReportLegacyQuery, TaskToken: task.TaskToken}
	}

	m.RequestEviction(runID, message, reason)

	if task.Attempt <= 1 {
		return FailureOutcome{Kind: FailureReportToServer, TaskToken: task.TaskToken}
	}
	return FailureOutcome{Kind: FailureNoReport}
}

// AfterWFTReport must be called after (successfully or not) reporting a
// WFT's completion to the server, per spec.md §4.5.6.
func (m *Manager) AfterWFTReport(runID string, reported bool) error {
	act := m.concurrency.GetActivation(runID)

	if act != nil && act.ContainsEviction {
		m.evictRun(runID)
	} else if !m.pending.HasPending(runID) {
		task, err := m.concurrency.GetTask(runID)
		if err != nil {
			return err
		}
		if task != nil && len(task.PendingQueries) > 0 {
			for _, q := range task.PendingQueries {
				m.queueDeferredQuery(runID, machines.Job{Kind: machines.JobQueryWorkflow, QueryID: q.ID, Query: q.Query})
			}
		} else {
			if evicted, needsEvict := m.cache.Insert(runID); needsEvict {
				m.RequestEviction(evicted, "cache full", wferrors.EvictionCacheFull)
			}
			if poll, ok := m.concurrency.TakeBufferedPoll(runID); ok {
				m.promoteBufferedPoll(poll)
			}
		}
	}

	if _, err := m.concurrency.CompleteWFT(runID, reported); err != nil {
		return err
	}

	m.concurrency.DeleteActivation(runID)
	m.pendingNotifier.NotifyOne()

	return nil
}

// promoteBufferedPoll re-ingests a poll response that had been buffered
// while its run was busy, once that run becomes free again (spec.md §4.5.6,
// §4.5.8).
func (m *Manager) promoteBufferedPoll(poll client.PollWorkflowTaskResponse) {
	outcome := m.ApplyNewPollResp(poll)
	if outcome.Kind == OutcomeIssueActivation {
		m.NotifyNeedsActivation(outcome.Activation.RunID)
	}
}

// EvictionOutcomeKind tags the result of RequestEviction.
type EvictionOutcomeKind int

const (
	EvictionNotFound EvictionOutcomeKind = iota
	EvictionAlreadyRequested
	EvictionRequested
)

// EvictionOutcome is the result of RequestEviction, per spec.md §4.5.7.
type EvictionOutcome struct {
	Kind EvictionOutcomeKind
}

// RequestEviction enqueues an eviction notice for runID, per spec.md §4.5.7.
func (m *Manager) RequestEviction(runID, message string, reason wferrors.EvictionReason) EvictionOutcome {
	if !m.concurrency.Exists(runID) {
		return EvictionOutcome{Kind: EvictionNotFound}
	}

	if act := m.concurrency.GetActivation(runID); act != nil && act.ContainsEviction {
		return EvictionOutcome{Kind: EvictionAlreadyRequested}
	}

	m.pending.NotifyNeedsEviction(runID, message, reason)
	m.pendingNotifier.NotifyAll()
	return EvictionOutcome{Kind: EvictionRequested}
}

// evictRun destroys runID's cache entry and machines, purges its pending
// activations, and promotes any buffered poll response, per spec.md §4.5.8.
func (m *Manager) evictRun(runID string) {
	m.cache.Remove(runID)
	poll, hasBuffered := m.concurrency.Evict(runID)
	m.pending.RemoveAllWithRunID(runID)
	if hasBuffered {
		m.promoteBufferedPoll(poll)
	}
}

// Access is exported so callers needing mutating access to a run's machines
// (e.g. local-activity result delivery outside the activation-reply path)
// go through the same serialization the manager itself uses.
func Access[T any](ctx context.Context, cm *wfconcurrency.Manager, runID string, fn func(machines.Manager) (T, error)) (T, error) {
	return wfconcurrency.Access(ctx, cm, runID, fn)
}
