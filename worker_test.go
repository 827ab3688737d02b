package wfcore

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/debuggerpk/wfcore/activitytask"
	"github.com/debuggerpk/wfcore/client"
	"github.com/stretchr/testify/require"
)

type fakeHeartbeatClient struct {
	heartbeats  int32
	lastDetails []byte
}

func (f *fakeHeartbeatClient) CompleteActivityTask(context.Context, client.TaskToken, []byte) error {
	return nil
}
func (f *fakeHeartbeatClient) FailActivityTask(context.Context, client.TaskToken, error) error {
	return nil
}
func (f *fakeHeartbeatClient) CancelActivityTask(context.Context, client.TaskToken, []byte) error {
	return nil
}
func (f *fakeHeartbeatClient) RecordActivityHeartbeat(_ context.Context, _ client.TaskToken, details []byte) (bool, error) {
	atomic.AddInt32(&f.heartbeats, 1)
	f.lastDetails = details
	return false, nil
}
func (f *fakeHeartbeatClient) Namespace() string { return "test" }

func testConfig() Config {
	return Config{
		Namespace:                        "ns",
		TaskQueue:                        "tq",
		MaxConcurrentActivities:          1,
		MaxConcurrentWorkflowTasks:       1,
		WorkflowCachePolicy:              CacheNonSticky,
		DefaultHeartbeatThrottleInterval: time.Minute,
		MaxHeartbeatThrottleInterval:     time.Minute,
	}
}

// TestExecuteActivity_RecordHeartbeatReachesServer exercises the full path a
// language host uses to report activity progress: the recordHeartbeat
// callback threaded into LanguageHost.ExecuteActivity, clamped by
// Config.HeartbeatThrottleInterval, through to the activity task pipeline's
// heartbeat manager and out to the server client. This is the path
// maintainer review comment (f) found unreachable.
func TestExecuteActivity_RecordHeartbeatReachesServer(t *testing.T) {
	wc := &fakeHeartbeatClient{}
	var sawTask activitytask.RemoteInFlightActivity
	var heartbeatErr error

	host := LanguageHost{
		ExecuteActivity: func(ctx context.Context, task activitytask.RemoteInFlightActivity, recordHeartbeat func(context.Context, []byte) error) client.ActivityCompletion {
			sawTask = task
			heartbeatErr = recordHeartbeat(ctx, []byte("progress"))
			return client.ActivityCompletion{Status: client.StatusCompleted}
		},
	}

	w, err := New(testConfig(), wc, host, nil, nil)
	require.NoError(t, err)

	outcome, err := w.act.Poll(context.Background(), func(context.Context) (client.PollActivityTaskResponse, error) {
		return client.PollActivityTaskResponse{
			TaskToken:        "tok",
			ActivityType:     "DoThing",
			StartedTime:      time.Now(),
			HeartbeatTimeout: 10 * time.Second,
		}, nil
	})
	require.NoError(t, err)
	require.Equal(t, activitytask.OutcomeStart, outcome.Kind)

	w.executeActivity(context.Background(), outcome.Task)

	require.NoError(t, heartbeatErr)
	require.Equal(t, client.TaskToken("tok"), sawTask.TaskToken)
	require.Equal(t, int32(1), atomic.LoadInt32(&wc.heartbeats))
	require.Equal(t, []byte("progress"), wc.lastDetails)
}
