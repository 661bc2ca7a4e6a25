package pipeline

import (
	"context"
	"fmt"

	"github.com/wireflow-go/wireflow/internal/pipeline/codec"
	errspkg "github.com/wireflow-go/wireflow/internal/pipeline/errors"
	"github.com/wireflow-go/wireflow/internal/pipeline/jsoncodec"
	loggingpkg "github.com/wireflow-go/wireflow/internal/pipeline/logging"
)

// JSONDelivery presents a typed JSON payload together with its delivery
// information.
type JSONDelivery[T any] struct {
	Payload  T
	Delivery Delivery
	Logger   loggingpkg.ServiceLogger
}

// JSONHandler processes one typed JSON payload.
type JSONHandler[T any] func(ctx context.Context, event JSONDelivery[T]) error

// OnJSON registers a typed handler for an event whose payloads carry
// JSON. The payload's binary or string value is decoded into T before
// the handler runs; payloads of any other kind fail the dispatch.
func OnJSON[T any](p *Pipeline, event string, handler JSONHandler[T]) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	return p.On(event, func(ctx context.Context, delivery Delivery) error {
		raw, err := jsonBytes(delivery.Payload)
		if err != nil {
			return err
		}

		var typed T
		if err := jsoncodec.Unmarshal(raw, &typed); err != nil {
			return fmt.Errorf("failed to unmarshal JSON payload for event %q: %w", event, err)
		}

		return handler(ctx, JSONDelivery[T]{
			Payload:  typed,
			Delivery: delivery,
			Logger:   p.Logger,
		})
	})
}

// SendJSON marshals payload to JSON and sends it as a binary payload
// value under the event's configured delivery options.
func SendJSON[T any](ctx context.Context, p *Pipeline, destination, event string, payload T) error {
	raw, err := jsoncodec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON payload for event %q: %w", event, err)
	}
	return p.Send(ctx, destination, event, codec.BinaryValue(raw))
}

func jsonBytes(v codec.Value) ([]byte, error) {
	switch v.Kind() {
	case codec.KindBinary:
		return v.Binary(), nil
	case codec.KindString:
		return []byte(v.Text()), nil
	default:
		return nil, fmt.Errorf("wireflow: %s payload cannot carry JSON, want binary or string", v.Kind())
	}
}
