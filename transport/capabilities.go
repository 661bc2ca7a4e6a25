package transport

// Capabilities describes the features supported by a frame carrier. Use
// this to introspect what operations are available at runtime.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// Durable indicates frames survive a process restart.
	Durable bool

	// SupportsDelay indicates the transport can natively hold a frame back
	// before delivery. When false, delayed delivery must be emulated by the
	// application.
	SupportsDelay bool

	// SupportsDeadLetter indicates the transport parks undeliverable frames
	// instead of dropping them.
	SupportsDeadLetter bool

	// SupportsOrdering indicates frames for one destination are delivered
	// in publish order.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit frame
	// acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment
	// (redelivery).
	SupportsNack bool

	// MaxFrameSize is the maximum frame size in bytes (0 = unlimited/unknown).
	MaxFrameSize int64
}

// RequiresDelayEmulation returns true if the transport needs
// application-level delay handling because it doesn't support native
// delayed delivery.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// RequiresDeadLetterEmulation returns true if the transport needs
// application-level parking of undeliverable frames.
func (c Capabilities) RequiresDeadLetterEmulation() bool {
	return !c.SupportsDeadLetter
}

// SupportsReliableDelivery returns true if the transport supports
// at-least-once delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:               "channel",
		Durable:            false,
		SupportsDelay:      false,
		SupportsDeadLetter: false,
		SupportsOrdering:   true,
		SupportsAck:        true,
		SupportsNack:       true,
	}

	// SQLiteCapabilities for the SQLite-backed frame spool.
	SQLiteCapabilities = Capabilities{
		Name:               "sqlite",
		Durable:            true,
		SupportsDelay:      true,
		SupportsDeadLetter: true,
		SupportsOrdering:   true,
		SupportsAck:        true,
		SupportsNack:       true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport
// package. Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
