// Package transport defines the core interfaces and types for wireflow frame
// carriers. Each carrier implementation (channel, sqlite, ...) lives in its
// own sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
// Frames travel as opaque message payloads; the destination identity is the
// topic.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder is the function signature for creating a transport from config.
// Each transport package should provide a Builder function that can be
// registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports. The
// interface lets carriers read only the fields they need without depending
// on the full pipeline config package.
type Config interface {
	// GetIdentity returns this peer's name. Inbound frames arrive on the
	// topic named after it.
	GetIdentity() string

	// GetTransport returns the carrier name to build, e.g. "channel".
	GetTransport() string

	// Channel
	GetChannelBufferSize() int

	// SQLite
	GetSQLiteFile() string
}

// CapabilitiesProvider is implemented by transports that can report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// SpoolIntrospector is implemented by transports that can report how many
// frames are waiting for a destination.
type SpoolIntrospector interface {
	PendingCount(destination string) (int64, error)
}

// DeadLetterManager is implemented by durable transports that park
// undeliverable frames instead of dropping them.
type DeadLetterManager interface {
	DeadCount(destination string) (int64, error)
	ReplayDeadFrame(id int64) error
	ReplayAllDead(destination string) (int64, error)
	PurgeDead(destination string) (int64, error)
}

// DeadLetterLister is implemented by transports that can list parked frames.
type DeadLetterLister interface {
	ListDeadFrames(destination string, limit, offset int) ([]DeadFrame, error)
}

// DeadFrame is one undeliverable frame parked by a durable transport.
type DeadFrame struct {
	ID          int64             `json:"id"`
	FrameID     string            `json:"frame_id"`
	Destination string            `json:"destination"`
	Payload     []byte            `json:"payload"`
	Metadata    map[string]string `json:"metadata"`
	Reason      string            `json:"reason"`
	FailedAt    time.Time         `json:"failed_at"`
	Attempts    int               `json:"attempts"`
}

// DelayedPublisher is implemented by transports that can hold a frame back
// before making it deliverable.
type DelayedPublisher interface {
	PublishWithDelay(destination string, delay time.Duration, messages ...*message.Message) error
}
