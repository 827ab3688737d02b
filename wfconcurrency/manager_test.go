package wfconcurrency

import (
	"context"
	"testing"

	"github.com/debuggerpk/wfcore/client"
	"github.com/debuggerpk/wfcore/machines"
	"github.com/debuggerpk/wfcore/wferrors"
	"github.com/stretchr/testify/require"
)

type fakeMachines struct {
	morePending bool
	activation  machines.Activation
}

func (f *fakeMachines) CreateOrUpdate(machines.HistoryUpdate, int64) (machines.Activation, error) {
	return f.activation, nil
}
func (f *fakeMachines) GetActivation() (machines.Activation, error) { return f.activation, nil }
func (f *fakeMachines) ApplyCommands([]machines.Command) error      { return nil }
func (f *fakeMachines) ApplyBufferedTaskIfReady() (bool, error)      { return false, nil }
func (f *fakeMachines) NotifyOfLocalResult(machines.LocalActivityResolution) error { return nil }
func (f *fakeMachines) OutstandingLocalActivityCount() int           { return 0 }
func (f *fakeMachines) MorePendingActivations() bool                 { return f.morePending }
func (f *fakeMachines) IsReplaying() bool                            { return false }
func (f *fakeMachines) StartedAttributes() machines.StartedAttributes {
	return machines.StartedAttributes{}
}
func (f *fakeMachines) OutgoingCommands() []machines.Command                   { return nil }
func (f *fakeMachines) OutgoingLocalActivityRequests() []machines.LocalActivityRequest {
	return nil
}

func newTestManager(fm *fakeMachines) *Manager {
	return New(func(machines.HistoryUpdate) (machines.Manager, error) { return fm, nil })
}

func TestManager_CreateOrUpdateTracksRun(t *testing.T) {
	fm := &fakeMachines{}
	m := newTestManager(fm)

	require.False(t, m.Exists("run-1"))
	_, err := m.CreateOrUpdate("run-1", machines.HistoryUpdate{}, 0)
	require.NoError(t, err)
	require.True(t, m.Exists("run-1"))
}

func TestManager_InsertActivationPanicsOnDuplicate(t *testing.T) {
	fm := &fakeMachines{}
	m := newTestManager(fm)
	_, _ = m.CreateOrUpdate("run-1", machines.HistoryUpdate{}, 0)

	require.NoError(t, m.InsertActivation("run-1", &OutstandingActivation{Kind: ActivationNormal}))
	require.Panics(t, func() {
		_ = m.InsertActivation("run-1", &OutstandingActivation{Kind: ActivationNormal})
	})
}

func TestManager_BufferRespIfOutstandingWork(t *testing.T) {
	fm := &fakeMachines{}
	m := newTestManager(fm)
	_, _ = m.CreateOrUpdate("run-1", machines.HistoryUpdate{}, 0)

	poll := client.PollWorkflowTaskResponse{WorkflowExecution: client.WorkflowExecution{RunID: "run-1"}}

	// no outstanding work yet: passes through unchanged
	_, ok := m.BufferRespIfOutstandingWork("run-1", poll)
	require.True(t, ok)

	require.NoError(t, m.InsertActivation("run-1", &OutstandingActivation{Kind: ActivationNormal}))

	_, ok = m.BufferRespIfOutstandingWork("run-1", poll)
	require.False(t, ok)

	buffered, ok := m.TakeBufferedPoll("run-1")
	require.True(t, ok)
	require.Equal(t, "run-1", buffered.WorkflowExecution.RunID)
}

func TestManager_BufferRespPanicsWhenSlotOccupied(t *testing.T) {
	fm := &fakeMachines{}
	m := newTestManager(fm)
	_, _ = m.CreateOrUpdate("run-1", machines.HistoryUpdate{}, 0)
	require.NoError(t, m.InsertActivation("run-1", &OutstandingActivation{Kind: ActivationNormal}))

	poll := client.PollWorkflowTaskResponse{WorkflowExecution: client.WorkflowExecution{RunID: "run-1"}}
	_, ok := m.BufferRespIfOutstandingWork("run-1", poll)
	require.False(t, ok)

	require.Panics(t, func() {
		m.BufferRespIfOutstandingWork("run-1", poll)
	})
}

func TestManager_AccessFailsForMissingRun(t *testing.T) {
	m := newTestManager(&fakeMachines{})
	_, err := Access(context.Background(), m, "missing", func(machines.Manager) (int, error) {
		return 1, nil
	})
	require.Error(t, err)
	var missing *wferrors.WorkflowMissingError
	require.ErrorAs(t, err, &missing)
}

func TestManager_AccessSerializesPerRun(t *testing.T) {
	fm := &fakeMachines{}
	m := newTestManager(fm)
	_, _ = m.CreateOrUpdate("run-1", machines.HistoryUpdate{}, 0)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = Access(context.Background(), m, "run-1", func(machines.Manager) (int, error) {
			close(started)
			<-release
			return 0, nil
		})
	}()

	<-started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Access(ctx, m, "run-1", func(machines.Manager) (int, error) { return 0, nil })
		done <- err
	}()

	cancel()
	require.Error(t, <-done)

	close(release)
}

func TestManager_EvictReturnsBufferedPoll(t *testing.T) {
	fm := &fakeMachines{}
	m := newTestManager(fm)
	_, _ = m.CreateOrUpdate("run-1", machines.HistoryUpdate{}, 0)
	require.NoError(t, m.InsertActivation("run-1", &OutstandingActivation{Kind: ActivationNormal}))

	poll := client.PollWorkflowTaskResponse{WorkflowExecution: client.WorkflowExecution{RunID: "run-1"}}
	_, _ = m.BufferRespIfOutstandingWork("run-1", poll)

	buffered, ok := m.Evict("run-1")
	require.True(t, ok)
	require.Equal(t, "run-1", buffered.WorkflowExecution.RunID)
	require.False(t, m.Exists("run-1"))
}
