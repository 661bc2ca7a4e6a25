package pipeline

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wireflow-go/wireflow/internal/pipeline/codec"
	errspkg "github.com/wireflow-go/wireflow/internal/pipeline/errors"
	"github.com/wireflow-go/wireflow/internal/pipeline/ids"
	loggingpkg "github.com/wireflow-go/wireflow/internal/pipeline/logging"
)

// Send queues one payload for delivery to the destination endpoint
// under the event's configured batching, compression, and breaker
// settings. A nil error means the payload was accepted for delivery,
// not that it arrived; delivery outcomes feed the event's breaker.
//
// Returns ErrCircuitOpen when the event's breaker rejects the send. A
// payload blocked by middleware is a deliberate filter and returns nil.
func (p *Pipeline) Send(ctx context.Context, destination, event string, payload any) error {
	if destination == "" {
		return errspkg.ErrDestinationRequired
	}
	if event == "" {
		return errspkg.ErrEventNameRequired
	}

	p.closedMu.Lock()
	closed := p.closed
	p.closedMu.Unlock()
	if closed {
		return errspkg.ErrPipelineClosed
	}
	if p.sender == nil {
		return errspkg.ErrTransportRequired
	}

	value, err := codec.AnyValue(payload)
	if err != nil {
		p.statsFor(event).recordError(err, p.errorClassifier)
		return err
	}

	opts := p.optionsFor(event)
	breaker := p.breakers.get(event, opts.breaker)
	if !breaker.Allow() {
		breaker.Reject(value)
		p.metrics.RecordRejected(event, "circuit_open")
		p.statsFor(event).recordError(errspkg.ErrCircuitOpen, p.errorClassifier)
		return errspkg.ErrCircuitOpen
	}

	ok, value := p.chain.Execute(event, p.Conf.Identity, value)
	if !ok {
		p.metrics.RecordRejected(event, "middleware_block")
		p.Logger.Debug("Send blocked by middleware", loggingpkg.LogFields{
			"event":       event,
			"destination": destination,
		})
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	tracer := otel.Tracer(tracerName)
	_, span := tracer.Start(ctx, "SendPayload")
	defer span.End()
	span.SetAttributes(
		attribute.String("wireflow.event", event),
		attribute.String("wireflow.destination", destination),
	)

	if err := p.batch.Submit(destination, event, value, opts.batchable, opts.compress); err != nil {
		// Admitted but never framed still resolves the breaker outcome.
		breaker.RecordFailure()
		p.statsFor(event).recordError(err, p.errorClassifier)
		p.metrics.RecordRejected(event, "encode_error")
		return err
	}
	return nil
}

// transmit hands one flushed frame to the sender and records the
// outcome. Frames are asynchronous to the Send that queued them, so
// failures surface through the breaker, stats, and the reporter.
func (p *Pipeline) transmit(f Frame) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(context.Background(), "TransmitFrame")
	defer span.End()
	span.SetAttributes(
		attribute.String("wireflow.event", f.Event),
		attribute.String("wireflow.destination", f.Destination),
		attribute.Int("wireflow.payloads", f.Items),
		attribute.Bool("wireflow.compressed", f.Compressed),
	)

	breaker := p.breakers.get(f.Event, p.optionsFor(f.Event).breaker)
	if err := p.sender.SendFrame(ctx, f); err != nil {
		breaker.RecordFailure()
		p.report("frame transmit", err)
		p.statsFor(f.Event).recordError(err, p.errorClassifier)
		p.metrics.RecordRejected(f.Event, "transmit_error")
		return
	}

	breaker.RecordSuccess()
	p.statsFor(f.Event).onFrameSent(f)
	p.metrics.RecordFrameSent(f)
	p.metrics.SetPendingPayloads(p.batch.PendingCount())
}

// publisherSender adapts a watermill publisher to the Sender contract,
// stamping each frame with an id and its source metadata.
type publisherSender struct {
	publisher message.Publisher
	identity  string
}

func (s *publisherSender) SendFrame(ctx context.Context, frame Frame) error {
	msg := message.NewMessage(ids.NewFrameID(), frame.Bytes)
	msg.Metadata.Set(MetadataSource, s.identity)
	msg.Metadata.Set(MetadataEvent, frame.Event)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return s.publisher.Publish(frame.Destination, msg)
}
