// Package wireflow is an in-process messaging pipeline that batches,
// compresses, and prioritizes event payloads between named endpoints. It
// encodes payloads into compact binary frames, coalesces bursts into batch
// frames per (destination, event) pair, compresses frame bodies when that
// makes them strictly smaller, and dispatches inbound payloads through a
// five-level priority scheduler guarded by per-event circuit breakers and a
// shared middleware chain.
//
// A Pipeline is created from Config, which names this peer (Identity) and
// selects the frame carrier (Transport). Handlers are registered with On or
// the typed OnJSON helper, payloads leave through Send or SendJSON. Start
// begins background batching, scheduling, and inbound consumption; Close
// flushes pending batches and shuts everything down. A minimal setup
// therefore involves filling Config, creating a Pipeline, registering
// handlers, and calling Start; see README.md for a copy/paste quick start
// snippet.
//
// # Transports
//
// Wireflow ships 2 frame carriers out of the box:
//   - channel: In-memory Go channels for same-process wiring and tests
//   - sqlite: Embedded persistent spool with delayed delivery, retries, and dead letter management
//
// Custom carriers plug in through the transport registry, or by handing
// Dependencies a Sender and feeding received frames to Pipeline.HandleFrame
// yourself.
//
// # Middleware
//
// Named middleware run in ascending priority order on both the send and the
// dispatch path. Each middleware can pass a payload through unchanged,
// replace it, or block it entirely; a panicking middleware is reported and
// treated as a pass so one broken link never stalls the chain.
//
// # Dispatch Hooks
//
// DispatchHooks provide OnDispatchStart, OnDispatchDone, and
// OnDispatchError callbacks around handler execution for custom logging,
// metrics collection, and alerting. LoggingHooks, MetricsHooks, and
// AlertingHooks cover the common cases.
//
// When you need more control, Dependencies exposes well-scoped hooks: bring
// your own Sender, middleware registrations, error classifier, Prometheus
// registerer, or an entire TransportFactory to plug in custom carriers.
package wireflow
