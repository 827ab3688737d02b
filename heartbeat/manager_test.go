package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/debuggerpk/wfcore/client"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	calls           int32
	cancelRequested bool
	lastDetails     []byte
}

func (f *fakeClient) CompleteActivityTask(context.Context, client.TaskToken, []byte) error { return nil }
func (f *fakeClient) FailActivityTask(context.Context, client.TaskToken, error) error       { return nil }
func (f *fakeClient) CancelActivityTask(context.Context, client.TaskToken, []byte) error    { return nil }
func (f *fakeClient) Namespace() string                                                     { return "test" }
func (f *fakeClient) RecordActivityHeartbeat(_ context.Context, _ client.TaskToken, details []byte) (bool, error) {
	atomic.AddInt32(&f.calls, 1)
	f.lastDetails = details
	return f.cancelRequested, nil
}

func TestManager_RecordSendsImmediatelyFirstTime(t *testing.T) {
	fc := &fakeClient{}
	m := New(fc, nil)
	defer m.Shutdown()

	err := m.Record(context.Background(), ActivityHeartbeat{TaskToken: "tok", Details: []byte("1")}, time.Second)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&fc.calls))
}

func TestManager_RecordThrottlesRapidCalls(t *testing.T) {
	fc := &fakeClient{}
	m := New(fc, nil)
	defer m.Shutdown()

	require.NoError(t, m.Record(context.Background(), ActivityHeartbeat{TaskToken: "tok", Details: []byte("1")}, 100*time.Millisecond))
	require.NoError(t, m.Record(context.Background(), ActivityHeartbeat{TaskToken: "tok", Details: []byte("2")}, 100*time.Millisecond))
	require.NoError(t, m.Record(context.Background(), ActivityHeartbeat{TaskToken: "tok", Details: []byte("3")}, 100*time.Millisecond))

	require.Equal(t, int32(1), atomic.LoadInt32(&fc.calls))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fc.calls) == 2
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, []byte("3"), fc.lastDetails)
}

func TestManager_CancelRequestedSurfacesOnChannel(t *testing.T) {
	fc := &fakeClient{cancelRequested: true}
	m := New(fc, nil)
	defer m.Shutdown()

	require.NoError(t, m.Record(context.Background(), ActivityHeartbeat{TaskToken: "tok", Details: nil}, time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, ok := m.NextPendingCancel(ctx)
	require.True(t, ok)
	require.Equal(t, client.TaskToken("tok"), c.TaskToken)
}

func TestManager_EvictResetsThrottleState(t *testing.T) {
	fc := &fakeClient{}
	m := New(fc, nil)
	defer m.Shutdown()

	require.NoError(t, m.Record(context.Background(), ActivityHeartbeat{TaskToken: "tok", Details: []byte("1")}, time.Hour))
	m.Evict("tok")

	// a late heartbeat after eviction starts fresh throttle state.
	require.NoError(t, m.Record(context.Background(), ActivityHeartbeat{TaskToken: "tok", Details: []byte("2")}, time.Hour))
	require.Equal(t, int32(2), atomic.LoadInt32(&fc.calls))
}
