package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestPrometheusSink_ImplementsSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, "wfcore_test")

	var _ Sink = sink

	sink.AvailableActivitySlots(5)
	sink.StickyCacheMiss()
	sink.WorkflowTaskFailed()
	sink.ActivityPollTimeout()
	sink.ActivitySchedToStartLatency(10 * time.Millisecond)
	sink.ActivityExecutionLatency("Foo", "Bar", 20*time.Millisecond)
	sink.ActivityExecutionFailed("Foo", "Bar")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
