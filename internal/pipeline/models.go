package pipeline

import (
	"encoding/json"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/wireflow-go/wireflow/internal/pipeline/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// EventStats aggregates delivery statistics for one event name. All
// counters cover both directions: sends that left this node and
// payloads delivered to local handlers.
type EventStats struct {
	mu sync.Mutex

	eventName string

	PayloadsSent     uint64    `json:"payloads_sent"`
	FramesSent       uint64    `json:"frames_sent"`
	FramesCompressed uint64    `json:"frames_compressed"`
	BytesSent        uint64    `json:"bytes_sent"`
	FramesReceived   uint64    `json:"frames_received"`
	PayloadsHandled  uint64    `json:"payloads_handled"`
	HandlerFailures  uint64    `json:"handler_failures"`
	TotalHandlerTime int64     `json:"total_handler_time_ns"`
	LastHandledAt    time.Time `json:"last_handled_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

// EventInfo is the introspection view of one configured event.
type EventInfo struct {
	Name       string      `json:"name"`
	Handlers   int         `json:"handlers"`
	Middleware []string    `json:"middleware"`
	Stats      *EventStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Encoding  uint64 `json:"encoding"`
	Decode    uint64 `json:"decode"`
	Circuit   uint64 `json:"circuit"`
	Handler   uint64 `json:"handler"`
	Other     uint64 `json:"other"`
	LastError string `json:"last_error,omitempty"`
}

type ErrorCategory string

const (
	ErrorCategoryNone     ErrorCategory = "none"
	ErrorCategoryEncoding ErrorCategory = "encoding"
	ErrorCategoryDecode   ErrorCategory = "decode"
	ErrorCategoryCircuit  ErrorCategory = "circuit"
	ErrorCategoryHandler  ErrorCategory = "handler"
	ErrorCategoryOther    ErrorCategory = "other"
)

type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, errspkg.ErrEncodingLimit):
		return ErrorCategoryEncoding
	case errors.Is(err, errspkg.ErrDecode):
		return ErrorCategoryDecode
	case errors.Is(err, errspkg.ErrCircuitOpen):
		return ErrorCategoryCircuit
	default:
		return ErrorCategoryHandler
	}
}

func newEventStats(name string) *EventStats {
	return &EventStats{
		eventName:        name,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

// onFrameSent records one outbound frame and the payloads inside it.
func (s *EventStats) onFrameSent(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.FramesSent++
	s.PayloadsSent += uint64(f.Items)
	s.BytesSent += uint64(len(f.Bytes))
	if f.Compressed {
		s.FramesCompressed++
	}
}

// onFrameReceived records one inbound frame before its payloads are
// dispatched.
func (s *EventStats) onFrameReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FramesReceived++
}

// onHandled records one payload dispatched to local handlers, folding
// the handler duration into the latency and throughput windows.
func (s *EventStats) onHandled(duration time.Duration, err error, classifier ErrorClassifier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.PayloadsHandled++
	if err != nil {
		s.HandlerFailures++
	}
	s.TotalHandlerTime += int64(duration)
	s.LastHandledAt = time.Now().UTC()

	if s.latencyWindow != nil {
		s.latencyWindow.Add(duration)
		snapshot := s.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		if s.PayloadsHandled > 0 {
			snapshot.AverageNs = s.TotalHandlerTime / int64(s.PayloadsHandled)
		}
		s.Latency = snapshot
	}

	if s.throughputWindow != nil {
		snapshot := s.throughputWindow.AddAndSnapshot(time.Now())
		s.Throughput.CurrentRPS = snapshot.CurrentRPS
		s.Throughput.WindowSeconds = snapshot.WindowSeconds
		s.Throughput.MessagesInWindow = uint64(snapshot.Count)
	}
	s.Throughput.TotalMessages = s.PayloadsHandled

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	s.Errors.Record(classifier(err), err)
}

// recordError folds a non-dispatch failure (encoding, decoding,
// rejected sends) into the error breakdown.
func (s *EventStats) recordError(err error, classifier ErrorClassifier) {
	if err == nil {
		return
	}
	if classifier == nil {
		classifier = defaultErrorClassifier
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors.Record(classifier(err), err)
}

func (s *EventStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type Alias EventStats
	return json.Marshal((*Alias)(s))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryEncoding:
		e.Encoding++
	case ErrorCategoryDecode:
		e.Decode++
	case ErrorCategoryCircuit:
		e.Circuit++
	case ErrorCategoryHandler:
		e.Handler++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// latencyWindow keeps a fixed ring of recent handler durations so
// percentiles reflect current behaviour rather than process lifetime.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if tw == nil || len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if tw == nil || len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
