package wfcore

import (
	"fmt"
	"time"

	"github.com/debuggerpk/wfcore/runcache"
)

// CachePolicyKind selects whether the run cache retains machines between
// WFTs (spec.md §3 "Run cache policy").
type CachePolicyKind int

const (
	CacheSticky CachePolicyKind = iota
	CacheNonSticky
)

// Config is the user-supplied configuration for a Worker. Unlike
// programmer-invariant violations elsewhere in this module, a malformed
// Config is a legitimate user error, so it is rejected by Validate rather
// than by panicking.
type Config struct {
	// Namespace is the server namespace this worker polls.
	Namespace string

	// TaskQueue is the task queue this worker polls both workflow and
	// activity tasks from.
	TaskQueue string

	// MaxConcurrentActivities bounds the number of activities this worker
	// will execute at once (spec.md §4.1, C1).
	MaxConcurrentActivities int

	// MaxConcurrentWorkflowTasks bounds sticky-cache size when
	// WorkflowCachePolicy is CacheSticky (spec.md §4.2, C2).
	MaxConcurrentWorkflowTasks int

	// WorkflowCachePolicy selects sticky vs non-sticky run caching.
	WorkflowCachePolicy CachePolicyKind

	// DefaultHeartbeatThrottleInterval bounds how often an activity's
	// heartbeats reach the server when the server hasn't told the worker
	// an explicit heartbeat timeout (spec.md §4.6, §6 Constants).
	DefaultHeartbeatThrottleInterval time.Duration

	// MaxHeartbeatThrottleInterval clamps the throttle interval derived
	// from an activity's heartbeat timeout (spec.md §4.6, §6 Constants).
	MaxHeartbeatThrottleInterval time.Duration

	// MetricsReportInterval controls how often the available-slots gauge is
	// refreshed (spec.md §4.1). Zero disables periodic reporting.
	MetricsReportInterval time.Duration
}

// Validate checks Config for the invariants the rest of this module assumes
// hold (spec.md §7 Invariants, as they bear on configuration).
func (c Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("wfcore: namespace must be set")
	}
	if c.TaskQueue == "" {
		return fmt.Errorf("wfcore: task queue must be set")
	}
	if c.MaxConcurrentActivities <= 0 {
		return fmt.Errorf("wfcore: max concurrent activities must be positive")
	}
	if c.WorkflowCachePolicy == CacheSticky && c.MaxConcurrentWorkflowTasks <= 0 {
		return fmt.Errorf("wfcore: sticky workflow cache requires a positive capacity")
	}
	if c.DefaultHeartbeatThrottleInterval <= 0 {
		return fmt.Errorf("wfcore: default heartbeat throttle interval must be positive")
	}
	if c.MaxHeartbeatThrottleInterval < c.DefaultHeartbeatThrottleInterval {
		return fmt.Errorf("wfcore: max heartbeat throttle interval must be >= the default")
	}
	return nil
}

func (c Config) runCachePolicy() runcache.Policy {
	return runcache.Policy{
		Sticky:   c.WorkflowCachePolicy == CacheSticky,
		Capacity: c.MaxConcurrentWorkflowTasks,
	}
}

// HeartbeatThrottleInterval computes the throttle interval for an activity
// heartbeat, per spec.md §4.6's clamp formula: 80% of the activity's
// heartbeat timeout, if any, else DefaultHeartbeatThrottleInterval, capped at
// MaxHeartbeatThrottleInterval. There is no floor on the computed value -
// only a ceiling.
func (c Config) HeartbeatThrottleInterval(activityHeartbeatTimeout time.Duration) time.Duration {
	if activityHeartbeatTimeout <= 0 {
		return c.DefaultHeartbeatThrottleInterval
	}
	interval := time.Duration(float64(activityHeartbeatTimeout) * 0.8)
	if interval > c.MaxHeartbeatThrottleInterval {
		return c.MaxHeartbeatThrottleInterval
	}
	return interval
}
