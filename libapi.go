package wireflow

import (
	"context"

	pipelinepkg "github.com/wireflow-go/wireflow/internal/pipeline"
	codecpkg "github.com/wireflow-go/wireflow/internal/pipeline/codec"
	configpkg "github.com/wireflow-go/wireflow/internal/pipeline/config"
	errspkg "github.com/wireflow-go/wireflow/internal/pipeline/errors"
	idspkg "github.com/wireflow-go/wireflow/internal/pipeline/ids"
	jsoncodec "github.com/wireflow-go/wireflow/internal/pipeline/jsoncodec"
	loggingpkg "github.com/wireflow-go/wireflow/internal/pipeline/logging"
	transportpkg "github.com/wireflow-go/wireflow/internal/pipeline/transport"
	newtransport "github.com/wireflow-go/wireflow/transport"
)

type (
	Config       = configpkg.Config
	Pipeline     = pipelinepkg.Pipeline
	Dependencies = pipelinepkg.Dependencies
	Sender       = pipelinepkg.Sender

	Transport        = transportpkg.Transport
	TransportFactory = transportpkg.Factory

	Frame    = pipelinepkg.Frame
	Delivery = pipelinepkg.Delivery
	Handler  = pipelinepkg.Handler

	JSONDelivery[T any] = pipelinepkg.JSONDelivery[T]
	JSONHandler[T any]  = pipelinepkg.JSONHandler[T]

	MiddlewareFunc         = pipelinepkg.MiddlewareFunc
	MiddlewareResult       = pipelinepkg.MiddlewareResult
	MiddlewareRegistration = pipelinepkg.MiddlewareRegistration

	EventOption     = pipelinepkg.EventOption
	Priority        = pipelinepkg.Priority
	BreakerSettings = pipelinepkg.BreakerSettings
	BreakerState    = pipelinepkg.BreakerState

	// Dispatch observation
	DispatchContext = pipelinepkg.DispatchContext
	DispatchHooks   = pipelinepkg.DispatchHooks

	// Payload values
	Value = codecpkg.Value
	Kind  = codecpkg.Kind

	// Per-event statistics
	EventStats        = pipelinepkg.EventStats
	EventInfo         = pipelinepkg.EventInfo
	LatencyMetrics    = pipelinepkg.LatencyMetrics
	ThroughputMetrics = pipelinepkg.ThroughputMetrics
	ErrorBreakdown    = pipelinepkg.ErrorBreakdown

	// Error classification
	ErrorClassifier = pipelinepkg.ErrorClassifier
	ErrorCategory   = pipelinepkg.ErrorCategory

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	DecodeError           = errspkg.DecodeError

	// Modular transport types (transport package structure)
	TransportBuilder         = newtransport.Builder
	TransportConfig          = newtransport.Config
	TransportRegistry        = newtransport.Registry
	TransportCapabilities    = newtransport.Capabilities
	TransportDLQManager      = newtransport.DeadLetterManager
	TransportDLQLister       = newtransport.DeadLetterLister
	TransportSpoolIntrospect = newtransport.SpoolIntrospector
	TransportDelayedPub      = newtransport.DelayedPublisher
	DeadFrame                = newtransport.DeadFrame
)

var (
	New            = pipelinepkg.New
	ValidateConfig = configpkg.ValidateConfig

	// Frame inspection for custom Sender implementations
	DecodeFrame = pipelinepkg.DecodeFrame
	NewFrameID  = idspkg.NewFrameID

	// Middleware results
	Pass    = pipelinepkg.Pass
	Replace = pipelinepkg.Replace
	Block   = pipelinepkg.Block

	// Per-event delivery options
	WithBatchable      = pipelinepkg.WithBatchable
	WithCompression    = pipelinepkg.WithCompression
	WithPriority       = pipelinepkg.WithPriority
	WithCircuitBreaker = pipelinepkg.WithCircuitBreaker

	// Dispatch hooks
	LoggingHooks  = pipelinepkg.LoggingHooks
	MetricsHooks  = pipelinepkg.MetricsHooks
	AlertingHooks = pipelinepkg.AlertingHooks

	// Payload value constructors
	NilValue      = codecpkg.NilValue
	BoolValue     = codecpkg.BoolValue
	IntValue      = codecpkg.IntValue
	FloatValue    = codecpkg.FloatValue
	StringValue   = codecpkg.StringValue
	BinaryValue   = codecpkg.BinaryValue
	SequenceValue = codecpkg.SequenceValue
	TableValue    = codecpkg.TableValue
	AnyValue      = codecpkg.AnyValue

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrTransportRequired   = errspkg.ErrTransportRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrEventNameRequired   = errspkg.ErrEventNameRequired
	ErrDestinationRequired = errspkg.ErrDestinationRequired
	ErrEncodingLimit       = errspkg.ErrEncodingLimit
	ErrBufferExhausted     = errspkg.ErrBufferExhausted
	ErrDecode              = errspkg.ErrDecode
	ErrCircuitOpen         = errspkg.ErrCircuitOpen
	ErrDuplicateMiddleware = errspkg.ErrDuplicateMiddleware
	ErrPipelineClosed      = errspkg.ErrPipelineClosed

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	// Modular transport registry (transport package structure)
	// Use RegisterTransport and BuildTransport to work with the modular transport packages.
	// Import individual transports via: _ "github.com/wireflow-go/wireflow/transport/sqlite"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetTransportCapabilities = newtransport.GetCapabilities
)

// Priority levels for the dispatch scheduler, most urgent first.
const (
	PriorityCritical   = pipelinepkg.PriorityCritical
	PriorityHigh       = pipelinepkg.PriorityHigh
	PriorityNormal     = pipelinepkg.PriorityNormal
	PriorityLow        = pipelinepkg.PriorityLow
	PriorityBackground = pipelinepkg.PriorityBackground
)

// Circuit breaker states reported by Pipeline.BreakerStates.
const (
	BreakerClosed   = pipelinepkg.BreakerClosed
	BreakerOpen     = pipelinepkg.BreakerOpen
	BreakerHalfOpen = pipelinepkg.BreakerHalfOpen
)

// Payload value kinds.
const (
	KindNil      = codecpkg.KindNil
	KindBool     = codecpkg.KindBool
	KindInt      = codecpkg.KindInt
	KindFloat    = codecpkg.KindFloat
	KindString   = codecpkg.KindString
	KindBinary   = codecpkg.KindBinary
	KindSequence = codecpkg.KindSequence
	KindTable    = codecpkg.KindTable
)

// Metadata keys - use these constants for standard frame metadata fields.
const (
	MetadataSource = pipelinepkg.MetadataSource
	MetadataEvent  = pipelinepkg.MetadataEvent

	// MetadataDelay is used by the SQLite transport for delayed frame delivery.
	// Set to a duration string like "30s", "5m", "1h".
	MetadataDelay = "wireflow_delay"
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone     = pipelinepkg.ErrorCategoryNone
	ErrorCategoryEncoding = pipelinepkg.ErrorCategoryEncoding
	ErrorCategoryDecode   = pipelinepkg.ErrorCategoryDecode
	ErrorCategoryCircuit  = pipelinepkg.ErrorCategoryCircuit
	ErrorCategoryHandler  = pipelinepkg.ErrorCategoryHandler
	ErrorCategoryOther    = pipelinepkg.ErrorCategoryOther
)

// OnJSON registers a typed handler for an event whose payloads carry JSON.
func OnJSON[T any](p *Pipeline, event string, handler JSONHandler[T]) error {
	return pipelinepkg.OnJSON(p, event, handler)
}

// SendJSON marshals payload to JSON and sends it as a binary payload value.
func SendJSON[T any](ctx context.Context, p *Pipeline, destination, event string, payload T) error {
	return pipelinepkg.SendJSON(ctx, p, destination, event, payload)
}
