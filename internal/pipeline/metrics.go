package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// pipelineMetrics exports the pipeline's Prometheus collectors. All
// methods are safe for concurrent use; the collectors themselves
// serialize internally, the mutex only guards registration state.
type pipelineMetrics struct {
	mu sync.Mutex

	framesSentTotal     *prometheus.CounterVec
	framesReceivedTotal *prometheus.CounterVec
	payloadsSentTotal   *prometheus.CounterVec
	payloadsHandled     *prometheus.CounterVec
	handlerFailures     *prometheus.CounterVec
	rejectedTotal       *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	queueDepth          *prometheus.GaugeVec
	pendingPayloads     prometheus.Gauge
	frameBytesHist      *prometheus.HistogramVec
	batchSizeHist       *prometheus.HistogramVec
	handlerSecondsHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newPipelineCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wireflow",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newPipelineGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wireflow",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newPipelineHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wireflow",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

func newPipelineMetrics(registerer prometheus.Registerer) *pipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &pipelineMetrics{
		registerer:          registerer,
		framesSentTotal:     newPipelineCounterVec("frames_sent_total", "Total number of frames handed to the transport", []string{"event", "compressed"}),
		framesReceivedTotal: newPipelineCounterVec("frames_received_total", "Total number of frames decoded from the transport", []string{"event"}),
		payloadsSentTotal:   newPipelineCounterVec("payloads_sent_total", "Total number of payloads carried by outbound frames", []string{"event"}),
		payloadsHandled:     newPipelineCounterVec("payloads_handled_total", "Total number of payloads dispatched to local handlers", []string{"event"}),
		handlerFailures:     newPipelineCounterVec("handler_failures_total", "Total number of handler invocations that returned an error", []string{"event"}),
		rejectedTotal:       newPipelineCounterVec("rejected_total", "Total number of sends and frames rejected before dispatch", []string{"event", "reason"}),
		breakerState:        newPipelineGaugeVec("breaker_state", "Circuit breaker state per endpoint (0 closed, 1 open, 2 half-open)", []string{"endpoint"}),
		queueDepth:          newPipelineGaugeVec("queue_depth", "Payloads waiting in each priority queue", []string{"priority"}),
		pendingPayloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wireflow",
			Subsystem: "pipeline",
			Name:      "pending_payloads",
			Help:      "Payloads buffered in pending batches, not yet framed",
		}),
		frameBytesHist:     newPipelineHistogramVec("frame_bytes", "Size of outbound frames in bytes", []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304}, []string{"event"}),
		batchSizeHist:      newPipelineHistogramVec("batch_size", "Payload count per outbound frame", []float64{1, 2, 4, 8, 16, 32, 64, 128}, []string{"event"}),
		handlerSecondsHist: newPipelineHistogramVec("handler_duration_seconds", "Handler execution time per payload", []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}, []string{"event"}),
	}
}

// Register registers the collectors. Safe to call multiple times and
// tolerant of collectors already registered by another instance.
func (m *pipelineMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.framesSentTotal,
		m.framesReceivedTotal,
		m.payloadsSentTotal,
		m.payloadsHandled,
		m.handlerFailures,
		m.rejectedTotal,
		m.breakerState,
		m.queueDepth,
		m.pendingPayloads,
		m.frameBytesHist,
		m.batchSizeHist,
		m.handlerSecondsHist,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *pipelineMetrics) RecordFrameSent(f Frame) {
	compressed := "false"
	if f.Compressed {
		compressed = "true"
	}
	m.framesSentTotal.WithLabelValues(f.Event, compressed).Inc()
	m.payloadsSentTotal.WithLabelValues(f.Event).Add(float64(f.Items))
	m.frameBytesHist.WithLabelValues(f.Event).Observe(float64(len(f.Bytes)))
	m.batchSizeHist.WithLabelValues(f.Event).Observe(float64(f.Items))
}

func (m *pipelineMetrics) RecordFrameReceived(event string) {
	m.framesReceivedTotal.WithLabelValues(event).Inc()
}

func (m *pipelineMetrics) RecordHandled(event string, duration time.Duration, err error) {
	m.payloadsHandled.WithLabelValues(event).Inc()
	m.handlerSecondsHist.WithLabelValues(event).Observe(duration.Seconds())
	if err != nil {
		m.handlerFailures.WithLabelValues(event).Inc()
	}
}

func (m *pipelineMetrics) RecordRejected(event, reason string) {
	m.rejectedTotal.WithLabelValues(event, reason).Inc()
}

func (m *pipelineMetrics) SetBreakerState(endpoint string, state BreakerState) {
	m.breakerState.WithLabelValues(endpoint).Set(float64(state))
}

func (m *pipelineMetrics) SetQueueDepths(depths [numPriorities]int) {
	for level, depth := range depths {
		m.queueDepth.WithLabelValues(Priority(level).String()).Set(float64(depth))
	}
}

func (m *pipelineMetrics) SetPendingPayloads(n int) {
	m.pendingPayloads.Set(float64(n))
}

// Reset clears every collector, useful between tests sharing a
// registerer.
func (m *pipelineMetrics) Reset() {
	m.framesSentTotal.Reset()
	m.framesReceivedTotal.Reset()
	m.payloadsSentTotal.Reset()
	m.payloadsHandled.Reset()
	m.handlerFailures.Reset()
	m.rejectedTotal.Reset()
	m.breakerState.Reset()
	m.queueDepth.Reset()
	m.frameBytesHist.Reset()
	m.batchSizeHist.Reset()
	m.handlerSecondsHist.Reset()
}
