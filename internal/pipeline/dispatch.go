package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wireflow-go/wireflow/internal/pipeline/codec"
	errspkg "github.com/wireflow-go/wireflow/internal/pipeline/errors"
	loggingpkg "github.com/wireflow-go/wireflow/internal/pipeline/logging"
)

// Delivery is one payload presented to a handler.
type Delivery struct {
	// Event is the event name the payload arrived under.
	Event string
	// Source identifies the sending endpoint, empty when the transport
	// carries no attribution.
	Source string
	// Payload is the decoded payload value.
	Payload codec.Value
	// Batched reports whether the payload arrived inside a batch frame.
	Batched bool
}

// Handler processes one delivered payload. Returning an error marks the
// dispatch failed for stats, hooks, and the event's circuit breaker;
// panics are recovered and treated the same way.
type Handler func(ctx context.Context, delivery Delivery) error

// HandleFrame decodes one inbound frame and routes every payload in it
// through the middleware chain, breaker admission, and the priority
// scheduler. The returned error covers frame decoding only; dispatch
// outcomes are asynchronous.
func (p *Pipeline) HandleFrame(source string, frame []byte) error {
	event, items, batched, err := DecodeFrame(frame)
	if err != nil {
		p.report("frame decode", err)
		p.metrics.RecordRejected("unknown", "decode_error")
		return err
	}

	st := p.statsFor(event)
	st.onFrameReceived()
	p.metrics.RecordFrameReceived(event)

	opts := p.optionsFor(event)
	breaker := p.breakers.get(event, opts.breaker)

	for _, item := range items {
		ok, payload := p.chain.Execute(event, source, item)
		if !ok {
			p.metrics.RecordRejected(event, "middleware_block")
			continue
		}

		if !breaker.Allow() {
			breaker.Reject(payload)
			p.metrics.RecordRejected(event, "circuit_open")
			st.recordError(errspkg.ErrCircuitOpen, p.errorClassifier)
			continue
		}

		handlers := p.handlersFor(event)
		if len(handlers) == 0 {
			// A delivery with nobody listening is still a delivery.
			breaker.RecordSuccess()
			p.Logger.Debug("No handlers for event", loggingpkg.LogFields{
				"event":  event,
				"source": source,
			})
			continue
		}

		delivery := Delivery{Event: event, Source: source, Payload: payload, Batched: batched}
		p.sched.Enqueue(opts.priority, func() {
			p.dispatch(delivery, handlers, breaker, opts.priority)
		})
	}
	return nil
}

// dispatch runs every handler for one payload and records the combined
// outcome.
func (p *Pipeline) dispatch(delivery Delivery, handlers []Handler, breaker *endpointBreaker, priority Priority) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(context.Background(), "DispatchPayload")
	defer span.End()
	span.SetAttributes(
		attribute.String("wireflow.event", delivery.Event),
		attribute.String("wireflow.source", delivery.Source),
		attribute.String("wireflow.priority", priority.String()),
	)

	hctx := DispatchContext{
		Event:     delivery.Event,
		Source:    delivery.Source,
		Priority:  priority,
		Batch:     delivery.Batched,
		StartedAt: time.Now(),
	}
	p.hooks.start(hctx)

	var failures []error
	for _, handler := range handlers {
		if err := p.runHandler(ctx, handler, delivery); err != nil {
			failures = append(failures, err)
		}
	}
	err := errors.Join(failures...)
	hctx.Duration = time.Since(hctx.StartedAt)

	p.statsFor(delivery.Event).onHandled(hctx.Duration, err, p.errorClassifier)
	p.metrics.RecordHandled(delivery.Event, hctx.Duration, err)
	p.hooks.finish(hctx, err)

	if err != nil {
		breaker.RecordFailure()
		return
	}
	breaker.RecordSuccess()
}

// runHandler invokes one handler, converting panics into errors. Panics
// are reported; plain handler errors are not, they already surface
// through hooks and stats.
func (p *Pipeline) runHandler(ctx context.Context, handler Handler, delivery Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for event %q panicked: %v", delivery.Event, r)
			p.report("handler dispatch", err)
		}
	}()
	return handler(ctx, delivery)
}
