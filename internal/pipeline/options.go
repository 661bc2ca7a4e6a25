package pipeline

// eventOptions are the per-event delivery settings. Events that were
// never configured use the defaults: batchable, normal priority,
// size-threshold compression, and a default breaker.
type eventOptions struct {
	batchable bool
	compress  *bool
	priority  Priority
	breaker   BreakerSettings
}

func defaultEventOptions() eventOptions {
	return eventOptions{
		batchable: true,
		priority:  PriorityNormal,
	}
}

// EventOption customises one event's delivery behaviour via Configure.
type EventOption func(*eventOptions)

// WithBatchable controls whether sends for this event may be coalesced
// into batch frames. Non-batchable events always flush immediately as
// single-payload frames.
func WithBatchable(batchable bool) EventOption {
	return func(o *eventOptions) {
		o.batchable = batchable
	}
}

// WithCompression forces compression on or off for this event's frames,
// overriding the size threshold. Even when forced on, compression is
// kept only if it makes the frame strictly smaller.
func WithCompression(enabled bool) EventOption {
	return func(o *eventOptions) {
		o.compress = &enabled
	}
}

// WithPriority sets the scheduler level for this event's inbound
// payloads. Out-of-range values fall back to PriorityNormal.
func WithPriority(priority Priority) EventOption {
	return func(o *eventOptions) {
		o.priority = priority
	}
}

// WithCircuitBreaker sets the event's failure threshold, reset timeout,
// and rejection fallback. Settings take effect on first traffic and are
// fixed from then on.
func WithCircuitBreaker(settings BreakerSettings) EventOption {
	return func(o *eventOptions) {
		o.breaker = settings
	}
}
