package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/wireflow-go/wireflow/internal/pipeline/codec"
)

// BreakerState enumerates the circuit breaker states.
type BreakerState uint8

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Breaker defaults applied when per-event settings leave them zero.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

// BreakerSettings configure one endpoint's failure tracking.
type BreakerSettings struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker from closed to open.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before it allows
	// a single trial call.
	ResetTimeout time.Duration
	// Fallback runs with the attempted payload whenever a send is
	// rejected. Its panics are swallowed and reported, never raised.
	Fallback func(payload codec.Value)
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultResetTimeout
	}
	return s
}

// endpointBreaker is the per-endpoint state machine. It is queried far
// more often than mutated; the mutex serializes transitions so exactly
// one half-open trial is ever in flight.
type endpointBreaker struct {
	mu             sync.Mutex
	name           string
	settings       BreakerSettings
	state          BreakerState
	failures       int
	lastTransition time.Time

	now          func() time.Time
	report       func(context string, err error)
	onTransition func(endpoint string, from, to BreakerState)
}

// Allow reports whether a call may proceed. In the open state it flips
// to half-open once the reset timeout has elapsed and grants exactly
// that caller the trial; every other caller is rejected until the trial
// resolves through RecordSuccess or RecordFailure.
func (b *endpointBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastTransition) >= b.settings.ResetTimeout {
			b.transition(BreakerHalfOpen)
			return true
		}
		return false
	case BreakerHalfOpen:
		return false
	default:
		return false
	}
}

// RecordSuccess clears the failure count; a successful half-open trial
// closes the breaker.
func (b *endpointBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.failures = 0
		b.transition(BreakerClosed)
	case BreakerOpen:
		// Stale outcome from a call admitted before the trip.
	}
}

// RecordFailure counts one failure; reaching the threshold while closed
// or failing the half-open trial opens the breaker.
func (b *endpointBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.settings.FailureThreshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	case BreakerOpen:
	}
}

// State reports the current state for stats and tests.
func (b *endpointBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reject invokes the configured fallback with the attempted payload.
// Fallback failures are swallowed so a broken fallback cannot take the
// pipeline down with it.
func (b *endpointBreaker) Reject(payload codec.Value) {
	fallback := b.settings.Fallback
	if fallback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.report("circuit fallback", fmt.Errorf("fallback for endpoint %q panicked: %v", b.name, r))
		}
	}()
	fallback(payload)
}

// transition must be called with the mutex held.
func (b *endpointBreaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	b.lastTransition = b.now()
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}

// breakerRegistry owns the per-endpoint breakers of one pipeline
// instance. Endpoints appear lazily on first use and live for the
// pipeline's lifetime.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*endpointBreaker

	now          func() time.Time
	report       func(context string, err error)
	onTransition func(endpoint string, from, to BreakerState)
}

func newBreakerRegistry(now func() time.Time, report func(string, error), onTransition func(string, BreakerState, BreakerState)) *breakerRegistry {
	if now == nil {
		now = time.Now
	}
	return &breakerRegistry{
		breakers:     make(map[string]*endpointBreaker),
		now:          now,
		report:       report,
		onTransition: onTransition,
	}
}

// get returns the endpoint's breaker, creating it with settings on
// first use. Settings are fixed at creation; later Configure calls do
// not rewire an endpoint that has already carried traffic.
func (r *breakerRegistry) get(endpoint string, settings BreakerSettings) *endpointBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	b := &endpointBreaker{
		name:         endpoint,
		settings:     settings.withDefaults(),
		now:          r.now,
		report:       r.report,
		onTransition: r.onTransition,
	}
	r.breakers[endpoint] = b
	return b
}

// states snapshots every endpoint's state for introspection.
func (r *breakerRegistry) states() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
