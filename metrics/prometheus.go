package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink is a concrete Sink backed by github.com/prometheus/client_golang.
// Instances must be constructed with NewPrometheusSink, which registers all
// collectors against the supplied registerer.
type PrometheusSink struct {
	availableSlots    prometheus.Gauge
	stickyCacheMisses prometheus.Counter
	wftFailed         prometheus.Counter
	actPollTimeouts   prometheus.Counter
	schedToStart      prometheus.Histogram
	execLatency       *prometheus.HistogramVec
	execFailed        *prometheus.CounterVec
}

// NewPrometheusSink builds a PrometheusSink and registers its collectors
// with reg. A nil reg registers against prometheus.DefaultRegisterer.
func NewPrometheusSink(reg prometheus.Registerer, namespace string) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s := &PrometheusSink{
		availableSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "available_activity_slots",
			Help:      "Number of activity slots not currently in use.",
		}),
		stickyCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sticky_cache_miss_total",
			Help:      "Number of workflow task polls that missed the sticky run cache.",
		}),
		wftFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_task_failed_total",
			Help:      "Number of workflow activations the language host failed.",
		}),
		actPollTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_poll_timeout_total",
			Help:      "Number of activity poll long-poll timeouts observed.",
		}),
		schedToStart: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activity_sched_to_start_latency_seconds",
			Help:      "Latency between an activity task being scheduled and started.",
			Buckets:   prometheus.DefBuckets,
		}),
		execLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activity_execution_latency_seconds",
			Help:      "End to end activity execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"activity_type", "workflow_type"}),
		execFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_execution_failed_total",
			Help:      "Number of activities that completed with a Failed status.",
		}, []string{"activity_type", "workflow_type"}),
	}

	reg.MustRegister(
		s.availableSlots,
		s.stickyCacheMisses,
		s.wftFailed,
		s.actPollTimeouts,
		s.schedToStart,
		s.execLatency,
		s.execFailed,
	)

	return s
}

func (s *PrometheusSink) AvailableActivitySlots(n int) { s.availableSlots.Set(float64(n)) }
func (s *PrometheusSink) StickyCacheMiss()             { s.stickyCacheMisses.Inc() }
func (s *PrometheusSink) WorkflowTaskFailed()          { s.wftFailed.Inc() }
func (s *PrometheusSink) ActivityPollTimeout()         { s.actPollTimeouts.Inc() }

func (s *PrometheusSink) ActivitySchedToStartLatency(d time.Duration) {
	s.schedToStart.Observe(d.Seconds())
}

func (s *PrometheusSink) ActivityExecutionLatency(activityType, workflowType string, d time.Duration) {
	s.execLatency.WithLabelValues(activityType, workflowType).Observe(d.Seconds())
}

func (s *PrometheusSink) ActivityExecutionFailed(activityType, workflowType string) {
	s.execFailed.WithLabelValues(activityType, workflowType).Inc()
}

var _ Sink = (*PrometheusSink)(nil)
