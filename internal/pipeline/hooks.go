package pipeline

import (
	"time"

	"github.com/wireflow-go/wireflow/internal/pipeline/logging"
)

// DispatchContext describes one payload dispatch to hooks.
type DispatchContext struct {
	// Event is the event name the payload arrived under.
	Event string
	// Source identifies the sending endpoint, empty for local sends.
	Source string
	// Priority is the queue level the payload was scheduled at.
	Priority Priority
	// Batch reports whether the payload arrived inside a batch frame.
	Batch bool
	// StartedAt is when handler dispatch began.
	StartedAt time.Time
	// Duration is how long dispatch took, set for done and error hooks.
	Duration time.Duration
}

// DispatchHooks are optional callbacks around handler dispatch. Nil
// hooks are simply not called.
type DispatchHooks struct {
	// OnDispatchStart runs before the event's handlers are invoked.
	OnDispatchStart func(ctx DispatchContext)

	// OnDispatchDone runs after every handler completed without error.
	OnDispatchDone func(ctx DispatchContext)

	// OnDispatchError runs when a handler returned or panicked with an
	// error. Duration covers the time until the failure.
	OnDispatchError func(ctx DispatchContext, err error)
}

// Merge combines two hook sets into one that calls both, h's hooks
// before other's.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: chainDispatchHooks(h.OnDispatchStart, other.OnDispatchStart),
		OnDispatchDone:  chainDispatchHooks(h.OnDispatchDone, other.OnDispatchDone),
		OnDispatchError: chainDispatchErrorHooks(h.OnDispatchError, other.OnDispatchError),
	}
}

func chainDispatchHooks(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainDispatchErrorHooks(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h DispatchHooks) start(ctx DispatchContext) {
	if h.OnDispatchStart != nil {
		h.OnDispatchStart(ctx)
	}
}

func (h DispatchHooks) finish(ctx DispatchContext, err error) {
	if err != nil {
		if h.OnDispatchError != nil {
			h.OnDispatchError(ctx, err)
		}
		return
	}
	if h.OnDispatchDone != nil {
		h.OnDispatchDone(ctx)
	}
}

// LoggingHooks returns hooks that log every dispatch through the
// pipeline's logger.
func LoggingHooks(logger logging.ServiceLogger) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: func(ctx DispatchContext) {
			logger.Debug("Dispatch started", logging.LogFields{
				"event":    ctx.Event,
				"source":   ctx.Source,
				"priority": ctx.Priority.String(),
				"batch":    ctx.Batch,
			})
		},
		OnDispatchDone: func(ctx DispatchContext) {
			logger.Debug("Dispatch completed", logging.LogFields{
				"event":       ctx.Event,
				"source":      ctx.Source,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnDispatchError: func(ctx DispatchContext, err error) {
			logger.Error("Dispatch failed", err, logging.LogFields{
				"event":       ctx.Event,
				"source":      ctx.Source,
				"priority":    ctx.Priority.String(),
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns hooks that feed per-event counters.
func MetricsHooks(onStart, onDone, onError func(event string)) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: func(ctx DispatchContext) {
			if onStart != nil {
				onStart(ctx.Event)
			}
		},
		OnDispatchDone: func(ctx DispatchContext) {
			if onDone != nil {
				onDone(ctx.Event)
			}
		},
		OnDispatchError: func(ctx DispatchContext, err error) {
			if onError != nil {
				onError(ctx.Event)
			}
		},
	}
}

// AlertingHooks returns hooks that only fire on dispatch failures.
func AlertingHooks(alertFunc func(ctx DispatchContext, err error)) DispatchHooks {
	return DispatchHooks{
		OnDispatchError: alertFunc,
	}
}
