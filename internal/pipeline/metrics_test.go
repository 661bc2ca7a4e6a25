package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == name {
			return fam
		}
	}
	return nil
}

func TestPipelineMetrics_RecordFrameSent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newPipelineMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordFrameSent(Frame{Event: "orders.created", Bytes: make([]byte, 512), Items: 8, Batch: true, Compressed: true})
	m.RecordFrameSent(Frame{Event: "orders.created", Bytes: make([]byte, 64), Items: 1})

	sent := gatherFamily(t, reg, "wireflow_pipeline_frames_sent_total")
	require.NotNil(t, sent)
	assert.Len(t, sent.GetMetric(), 2) // one series per compressed label value

	payloads := gatherFamily(t, reg, "wireflow_pipeline_payloads_sent_total")
	require.NotNil(t, payloads)
	require.Len(t, payloads.GetMetric(), 1)
	assert.Equal(t, 9.0, payloads.GetMetric()[0].GetCounter().GetValue())
}

func TestPipelineMetrics_RecordHandled(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newPipelineMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordHandled("orders.created", 3*time.Millisecond, nil)
	m.RecordHandled("orders.created", 8*time.Millisecond, errors.New("boom"))

	handled := gatherFamily(t, reg, "wireflow_pipeline_payloads_handled_total")
	require.NotNil(t, handled)
	assert.Equal(t, 2.0, handled.GetMetric()[0].GetCounter().GetValue())

	failures := gatherFamily(t, reg, "wireflow_pipeline_handler_failures_total")
	require.NotNil(t, failures)
	assert.Equal(t, 1.0, failures.GetMetric()[0].GetCounter().GetValue())

	durations := gatherFamily(t, reg, "wireflow_pipeline_handler_duration_seconds")
	require.NotNil(t, durations)
	assert.Equal(t, uint64(2), durations.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestPipelineMetrics_BreakerAndQueueGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newPipelineMetrics(reg)
	require.NoError(t, m.Register())

	m.SetBreakerState("node-1/orders.created", BreakerOpen)
	m.SetQueueDepths([numPriorities]int{3, 0, 7, 0, 1})
	m.SetPendingPayloads(12)

	breaker := gatherFamily(t, reg, "wireflow_pipeline_breaker_state")
	require.NotNil(t, breaker)
	assert.Equal(t, float64(BreakerOpen), breaker.GetMetric()[0].GetGauge().GetValue())

	depth := gatherFamily(t, reg, "wireflow_pipeline_queue_depth")
	require.NotNil(t, depth)
	assert.Len(t, depth.GetMetric(), int(numPriorities))

	pending := gatherFamily(t, reg, "wireflow_pipeline_pending_payloads")
	require.NotNil(t, pending)
	assert.Equal(t, 12.0, pending.GetMetric()[0].GetGauge().GetValue())
}

func TestPipelineMetrics_RecordRejected(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newPipelineMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordRejected("orders.created", "circuit_open")
	m.RecordRejected("orders.created", "circuit_open")
	m.RecordRejected("", "decode")

	rejected := gatherFamily(t, reg, "wireflow_pipeline_rejected_total")
	require.NotNil(t, rejected)
	assert.Len(t, rejected.GetMetric(), 2)
}

func TestPipelineMetrics_Register_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newPipelineMetrics(reg)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())
}

func TestPipelineMetrics_NilRegisterer(t *testing.T) {
	m := newPipelineMetrics(nil)
	assert.NotNil(t, m)
	// Uses the default registerer; not registered here to keep the
	// global registry clean across tests.
}

func TestPipelineMetrics_Reset(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newPipelineMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordFrameReceived("orders.created")
	m.Reset()

	received := gatherFamily(t, reg, "wireflow_pipeline_frames_received_total")
	if received != nil {
		assert.Empty(t, received.GetMetric())
	}
}
