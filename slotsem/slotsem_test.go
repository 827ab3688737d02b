package slotsem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSemaphore_AcquireRelease(t *testing.T) {
	s := New(2, nil, 0)
	defer s.Close()

	require.Equal(t, 2, s.AvailablePermits())

	p1, err := s.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, s.AvailablePermits())

	p2, err := s.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, s.AvailablePermits())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx)
	require.Error(t, err)

	p1.Release()
	require.Equal(t, 1, s.AvailablePermits())

	p2.Release()
	require.Equal(t, 2, s.AvailablePermits())
}

func TestSemaphore_ReleaseIsIdempotent(t *testing.T) {
	s := New(1, nil, 0)
	defer s.Close()

	p, err := s.Acquire(context.Background())
	require.NoError(t, err)
	p.Release()
	p.Release()
	require.Equal(t, 1, s.AvailablePermits())
}

func TestSemaphore_ForgetAndAddPermit(t *testing.T) {
	s := New(1, nil, 0)
	defer s.Close()

	p, err := s.Acquire(context.Background())
	require.NoError(t, err)
	p.Forget()
	require.Equal(t, 0, s.AvailablePermits())

	s.AddPermit()
	require.Equal(t, 1, s.AvailablePermits())
}

func TestSemaphore_PanicsOnNonPositiveMax(t *testing.T) {
	require.Panics(t, func() { New(0, nil, 0) })
}

type recordingSink struct {
	values []int
}

func (r *recordingSink) AvailableActivitySlots(n int) { r.values = append(r.values, n) }
func (r *recordingSink) StickyCacheMiss()              {}
func (r *recordingSink) WorkflowTaskFailed()            {}
func (r *recordingSink) ActivityPollTimeout()           {}
func (r *recordingSink) ActivitySchedToStartLatency(time.Duration)        {}
func (r *recordingSink) ActivityExecutionLatency(string, string, time.Duration) {}
func (r *recordingSink) ActivityExecutionFailed(string, string)                 {}

func TestSemaphore_ReportsGaugePeriodically(t *testing.T) {
	sink := &recordingSink{}
	s := New(3, sink, 5*time.Millisecond)
	defer s.Close()

	require.Eventually(t, func() bool {
		return len(sink.values) > 0
	}, 200*time.Millisecond, 5*time.Millisecond)
}
