package wfcore

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/debuggerpk/wfcore/activitytask"
	"github.com/debuggerpk/wfcore/client"
	"github.com/debuggerpk/wfcore/corelog"
	"github.com/debuggerpk/wfcore/heartbeat"
	"github.com/debuggerpk/wfcore/machines"
	"github.com/debuggerpk/wfcore/metrics"
	"github.com/debuggerpk/wfcore/wferrors"
	"github.com/debuggerpk/wfcore/workflowtask"
)

// LanguageHost is the set of callbacks this module invokes into the
// user-supplied workflow/activity execution environment and the server
// transport - both explicitly out of scope for this module (spec.md §1) but
// needed to drive the poll/execute/report loop end to end.
type LanguageHost struct {
	// PollWorkflowTask long-polls the server for the next workflow task.
	PollWorkflowTask func(ctx context.Context) (client.PollWorkflowTaskResponse, error)

	// PollActivityTask long-polls the server for the next activity task.
	PollActivityTask activitytask.Poller

	// ProcessActivation hands an activation to the workflow/activity
	// execution environment and returns the commands it produces.
	ProcessActivation func(ctx context.Context, activation machines.Activation) ([]machines.Command, error)

	// ProcessActivationFailed reports that ProcessActivation itself failed
	// (as opposed to the workflow code producing a failure command).
	ProcessActivationFailed func(ctx context.Context, runID string, err error)

	// ReportWftComplete reports a successful workflow task completion to the
	// server, given its reply.
	ReportWftComplete func(ctx context.Context, reply workflowtask.ActivationReply) error

	// ReportWftFailed reports a workflow task failure to the server.
	ReportWftFailed func(ctx context.Context, token client.TaskToken, reason wferrors.EvictionReason, message string) error

	// ExecuteActivity runs activity code and returns its completion.
	// recordHeartbeat reports activity progress to the server, throttled per
	// spec.md §4.6/C7; it is safe to call from any goroutine and is a no-op
	// error (not a panic) once the activity has completed.
	ExecuteActivity func(ctx context.Context, task activitytask.RemoteInFlightActivity, recordHeartbeat func(ctx context.Context, details []byte) error) client.ActivityCompletion

	// LocalActivities submits and (optionally) resolves local activities.
	LocalActivities machines.LocalActivitySink

	// NewMachines constructs fresh replay state machines for a run not
	// previously seen.
	NewMachines func(update machines.HistoryUpdate) (machines.Manager, error)
}

// Worker ties together the slot semaphore, run cache, pending-activation
// queue, concurrency manager, workflow task manager, heartbeat manager, and
// activity task pipeline (spec.md C1-C7) into a single poll/execute/report
// runtime.
type Worker struct {
	cfg    Config
	client client.WorkerClient
	host   LanguageHost

	wft *workflowtask.Manager
	act *activitytask.Tasks
	hb  *heartbeat.Manager

	log     corelog.Logger
	metrics metrics.Sink
}

// New constructs a Worker. It runs cfg.Validate first and returns its error if
// cfg is invalid.
func New(cfg Config, wc client.WorkerClient, host LanguageHost, sink metrics.Sink, log corelog.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	if log == nil {
		log = corelog.Nop()
	}

	hb := heartbeat.New(wc, log)
	act := activitytask.New(cfg.MaxConcurrentActivities, hb, sink, log)
	wft := workflowtask.New(cfg.runCachePolicy(), host.NewMachines, sink, log)

	return &Worker{
		cfg:     cfg,
		client:  wc,
		host:    host,
		wft:     wft,
		act:     act,
		hb:      hb,
		log:     log,
		metrics: sink,
	}, nil
}

// Run drives the workflow-poll and activity-poll loops concurrently (activity
// cancellations arrive through the activity poll) until ctx is cancelled or
// one of them fails fatally, per the
// supervised-goroutine-group shape this is grounded on (other_examples'
// queue worker and the teacher's own microbatch.Batcher internal
// goroutines).
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.runWorkflowPollLoop(ctx) })
	g.Go(func() error { return w.runActivityPollLoop(ctx) })

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = w.act.Shutdown(shutdownCtx)

	if err == context.Canceled {
		return nil
	}
	return err
}

func (w *Worker) runWorkflowPollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		poll, err := w.host.PollWorkflowTask(ctx)
		if err != nil {
			if pe, ok := err.(*wferrors.PollError); ok && pe.Kind == wferrors.PollShutDown {
				return nil
			}
			w.log.Warning().Err(err).Log("workflow task poll failed")
			continue
		}

		outcome := w.wft.ApplyNewPollResp(poll)
		switch outcome.Kind {
		case workflowtask.OutcomeIssueActivation:
			w.wft.NotifyNeedsActivation(outcome.Activation.RunID)
		case workflowtask.OutcomeAutocomplete:
			_ = w.host.ReportWftComplete(ctx, workflowtask.ActivationReply{Kind: workflowtask.ReplyWftComplete})
		case workflowtask.OutcomeEvict:
			if outcome.Err != nil {
				_ = outcome.Err
			}
		}

		if next, ok := w.wft.NextPendingActivation(); ok {
			w.dispatchActivation(ctx, next)
		}
	}
}

func (w *Worker) dispatchActivation(ctx context.Context, outcome workflowtask.Outcome) {
	switch outcome.Kind {
	case workflowtask.OutcomeEvict:
		return
	case workflowtask.OutcomeIssueActivation:
	default:
		return
	}

	runID := outcome.Activation.RunID

	commands, err := w.host.ProcessActivation(ctx, outcome.Activation)
	if err != nil {
		if w.host.ProcessActivationFailed != nil {
			w.host.ProcessActivationFailed(ctx, runID, err)
		}
		failure := w.wft.FailedActivation(runID, wferrors.EvictionFatal, err.Error())
		if failure.Kind == workflowtask.FailureReportToServer && w.host.ReportWftFailed != nil {
			_ = w.host.ReportWftFailed(ctx, failure.TaskToken, wferrors.EvictionFatal, err.Error())
		}
		return
	}

	reply, err := w.wft.SuccessfulActivation(ctx, runID, commands, w.host.LocalActivities)
	if err != nil {
		w.log.Warning().Str("run_id", runID).Err(err).Log("successful activation handling failed")
		return
	}

	switch reply.Kind {
	case workflowtask.ReplyNone:
		_ = w.wft.AfterWFTReport(runID, false)
	case workflowtask.ReplyRespondLegacyQuery, workflowtask.ReplyWftComplete:
		reported := w.host.ReportWftComplete(ctx, reply) == nil
		_ = w.wft.AfterWFTReport(runID, reported)
	}
}

func (w *Worker) runActivityPollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		outcome, err := w.act.Poll(ctx, w.host.PollActivityTask)
		if err != nil {
			if pe, ok := err.(*wferrors.PollError); ok && pe.Kind == wferrors.PollShutDown {
				return nil
			}
			w.log.Warning().Err(err).Log("activity task poll failed")
			continue
		}

		switch outcome.Kind {
		case activitytask.OutcomeShutdown:
			return nil
		case activitytask.OutcomeNone:
			continue
		case activitytask.OutcomeCancel:
			w.log.Debug().Str("task_token", string(outcome.Cancel.TaskToken)).Log("activity cancel requested")
		case activitytask.OutcomeStart:
			go w.executeActivity(ctx, outcome.Task)
		}
	}
}

func (w *Worker) executeActivity(ctx context.Context, task activitytask.RemoteInFlightActivity) {
	throttle := w.cfg.HeartbeatThrottleInterval(task.HeartbeatTimeout)
	recordHeartbeat := func(hbCtx context.Context, details []byte) error {
		return w.act.RecordHeartbeat(hbCtx, task.TaskToken, details, throttle)
	}

	completion := w.host.ExecuteActivity(ctx, task, recordHeartbeat)
	if err := w.act.Complete(ctx, w.client, task.TaskToken, completion); err != nil {
		w.log.Warning().Str("task_token", string(task.TaskToken)).Err(err).Log("activity completion report failed")
	}
}
