// Package slotsem implements the metered slot semaphore (spec.md §4.1, C1):
// a bound on in-flight activity count that also reports its remaining
// capacity as a gauge.
//
// It is built on golang.org/x/sync/semaphore.Weighted, acquiring and
// releasing a weight of 1 per permit - the same dependency the rest of this
// module's teacher lineage (github.com/joeycumines/go-utilpkg) already
// carries in its go.mod.
package slotsem

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/debuggerpk/wfcore/metrics"
	"golang.org/x/sync/semaphore"
)

// Semaphore bounds in-flight activity count and periodically reports the
// number of available permits to a metrics.Sink.
type Semaphore struct {
	sem       *semaphore.Weighted
	max       int64
	available atomic.Int64
	sink      metrics.Sink

	stop chan struct{}
	done chan struct{}
}

// New constructs a Semaphore initialized to maxConcurrent permits. If sink
// is non-nil, available_permits is reported as a gauge every reportInterval
// (a reportInterval <= 0 disables periodic reporting).
func New(maxConcurrent int, sink metrics.Sink, reportInterval time.Duration) *Semaphore {
	if maxConcurrent <= 0 {
		panic("slotsem: maxConcurrent must be positive")
	}
	if sink == nil {
		sink = metrics.Noop{}
	}

	s := &Semaphore{
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
		max:  int64(maxConcurrent),
		sink: sink,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.available.Store(int64(maxConcurrent))

	if reportInterval > 0 {
		go s.reportLoop(reportInterval)
	} else {
		close(s.done)
	}

	return s
}

func (s *Semaphore) reportLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sink.AvailableActivitySlots(s.AvailablePermits())
		}
	}
}

// Permit is a held slot. Callers must eventually call either Release (return
// the permit to the pool) or Forget (permanently remove it - the caller is
// responsible for later calling AddPermit to restore capacity).
type Permit struct {
	sem      *Semaphore
	released bool
}

// Acquire blocks until a permit is available or ctx is cancelled. ctx
// cancellation is its only failure mode, surfaced as an error; Close does not
// affect Acquire, since it only stops gauge reporting.
func (s *Semaphore) Acquire(ctx context.Context) (*Permit, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	s.available.Add(-1)
	return &Permit{sem: s}, nil
}

// Release returns the permit to the pool.
func (p *Permit) Release() {
	if p.released {
		return
	}
	p.released = true
	p.sem.sem.Release(1)
	p.sem.available.Add(1)
}

// Forget permanently removes the permit from circulation. AddPermit must
// later be called to restore the capacity it held.
func (p *Permit) Forget() {
	p.released = true
}

// AddPermit restores one permit previously removed via Forget.
func (s *Semaphore) AddPermit() {
	s.sem.Release(1)
	s.available.Add(1)
}

// AvailablePermits returns the current number of free permits.
func (s *Semaphore) AvailablePermits() int {
	return int(s.available.Load())
}

// Close stops periodic gauge reporting. It does not affect outstanding
// permits.
func (s *Semaphore) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}
