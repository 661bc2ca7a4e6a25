package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/wireflow-go/wireflow/internal/pipeline/config"
	errspkg "github.com/wireflow-go/wireflow/internal/pipeline/errors"
	loggingpkg "github.com/wireflow-go/wireflow/internal/pipeline/logging"
	transportpkg "github.com/wireflow-go/wireflow/internal/pipeline/transport"
)

// Metadata keys stamped on outbound transport messages.
const (
	// MetadataSource carries the sending peer's identity.
	MetadataSource = "wireflow_source"
	// MetadataEvent carries the frame's event name for transport-level
	// observability; the authoritative copy travels inside the frame.
	MetadataEvent = "wireflow_event"
)

const tracerName = "wireflow-pipeline"

// Sender delivers one encoded frame to its destination endpoint. The
// pipeline interprets the returned error as the delivery outcome for
// the event's circuit breaker.
type Sender interface {
	SendFrame(ctx context.Context, frame Frame) error
}

// MiddlewareRegistration couples a middleware with its chain position.
type MiddlewareRegistration struct {
	Name     string
	Priority int
	Handler  MiddlewareFunc
}

// Dependencies holds the optional collaborators a Pipeline can use.
// Leave fields nil to use the built-in behaviour.
type Dependencies struct {
	// Sender overrides the transport-backed frame delivery. When set,
	// Config.Transport is ignored and no subscriber is started.
	Sender Sender
	// TransportFactory overrides how the configured transport is built.
	TransportFactory transportpkg.Factory
	// Middlewares are registered on the chain at construction.
	Middlewares []MiddlewareRegistration
	// Hooks observe handler dispatch.
	Hooks DispatchHooks
	// ErrorClassifier buckets errors for the per-event stats.
	ErrorClassifier ErrorClassifier
	// Reporter receives internal faults: panics in handlers, middleware,
	// or fallbacks, dropped batches, and transmit failures. Defaults to
	// logging through the pipeline logger.
	Reporter func(scope string, err error)
	// Registerer receives the Prometheus collectors. Defaults to the
	// global registerer.
	Registerer prometheus.Registerer
}

// Pipeline wires the codec, batcher, priority scheduler, circuit
// breakers, and middleware chain into one in-process delivery fabric.
type Pipeline struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	sender     Sender
	publisher  message.Publisher
	subscriber message.Subscriber

	batch    *batcher
	sched    *scheduler
	breakers *breakerRegistry
	chain    *middlewareChain
	metrics  *pipelineMetrics
	hooks    DispatchHooks

	handlers   map[string][]Handler
	handlersMu sync.RWMutex

	options   map[string]eventOptions
	optionsMu sync.RWMutex

	stats   map[string]*EventStats
	statsMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
	report          func(scope string, err error)

	closed   bool
	closedMu sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs a Pipeline for the supplied configuration. Register
// handlers and configure events on the returned Pipeline before calling
// Start.
func New(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Pipeline, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	normalized := conf.WithDefaults()
	conf = &normalized

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating pipeline",
		loggingpkg.LogFields{
			"identity":  conf.Identity,
			"transport": conf.Transport,
			"config":    conf,
		})

	p := &Pipeline{
		Conf:     conf,
		Logger:   log,
		hooks:    deps.Hooks,
		handlers: make(map[string][]Handler),
		options:  make(map[string]eventOptions),
		stats:    make(map[string]*EventStats),
	}

	if deps.ErrorClassifier != nil {
		p.errorClassifier = deps.ErrorClassifier
	} else {
		p.errorClassifier = defaultErrorClassifier
	}

	report := deps.Reporter
	if report == nil {
		report = func(scope string, err error) {
			log.Error("Pipeline fault", err, loggingpkg.LogFields{"scope": scope})
		}
	}
	p.report = report

	p.metrics = newPipelineMetrics(deps.Registerer)

	p.breakers = newBreakerRegistry(time.Now, report, func(endpoint string, from, to BreakerState) {
		p.metrics.SetBreakerState(endpoint, to)
		log.Info("Breaker transition", loggingpkg.LogFields{
			"endpoint": endpoint,
			"from":     from.String(),
			"to":       to.String(),
		})
	})

	p.chain = newMiddlewareChain(report)

	p.sched = newScheduler(conf.SchedulerTick, report, func(Priority, int) {
		p.metrics.SetQueueDepths(p.sched.Depths())
	})

	p.batch = newBatcher(*conf, p.transmit, report, time.Now)
	p.batch.onDrop = func(destination, event string, err error) {
		p.breakers.get(event, p.optionsFor(event).breaker).RecordFailure()
		p.statsFor(event).recordError(err, p.errorClassifier)
		p.metrics.RecordRejected(event, "encode_error")
	}

	p.sender = deps.Sender
	if p.sender == nil && conf.Transport != "" {
		factory := deps.TransportFactory
		if factory == nil {
			factory = transportpkg.DefaultFactory()
		}
		built, err := factory.Build(ctx, conf, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("building transport %q: %w", conf.Transport, err)
		}
		p.publisher = built.Publisher
		p.subscriber = built.Subscriber
		p.sender = &publisherSender{publisher: built.Publisher, identity: conf.Identity}
	}

	for _, reg := range deps.Middlewares {
		if err := p.chain.Register(reg.Name, reg.Handler, reg.Priority); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// On registers a handler for an event. Multiple handlers per event run
// in registration order; any of them failing marks the whole dispatch
// failed.
func (p *Pipeline) On(event string, handler Handler) error {
	if event == "" {
		return errspkg.ErrEventNameRequired
	}
	if handler == nil {
		return fmt.Errorf("%w: handler for event %q", errspkg.ErrHandlerRequired, event)
	}

	p.handlersMu.Lock()
	p.handlers[event] = append(p.handlers[event], handler)
	p.handlersMu.Unlock()

	p.statsFor(event)
	return nil
}

// Configure sets per-event delivery options, replacing any previous
// ones. Breaker settings are fixed once the event has carried traffic.
func (p *Pipeline) Configure(event string, opts ...EventOption) {
	options := defaultEventOptions()
	for _, opt := range opts {
		opt(&options)
	}

	p.optionsMu.Lock()
	p.options[event] = options
	p.optionsMu.Unlock()
}

// RegisterMiddleware adds a named middleware at the given chain
// priority. Non-positive priority selects DefaultMiddlewarePriority.
func (p *Pipeline) RegisterMiddleware(name string, fn MiddlewareFunc, priority int) error {
	return p.chain.Register(name, fn, priority)
}

// MiddlewareNames lists the chain in execution order.
func (p *Pipeline) MiddlewareNames() []string {
	return p.chain.Names()
}

// Start launches the scheduler and batch sweeper, subscribes to this
// peer's inbound frames when a transport is attached, and exposes the
// metrics endpoints. It returns immediately; Close stops everything.
func (p *Pipeline) Start(ctx context.Context) error {
	p.closedMu.Lock()
	if p.closed {
		p.closedMu.Unlock()
		return errspkg.ErrPipelineClosed
	}
	if p.cancel != nil {
		p.closedMu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.closedMu.Unlock()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.sched.run(runCtx)
	}()
	go func() {
		defer p.wg.Done()
		p.batch.run(runCtx)
	}()

	if p.subscriber != nil {
		messages, err := p.subscriber.Subscribe(runCtx, p.Conf.Identity)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribing as %q: %w", p.Conf.Identity, err)
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.pump(messages)
		}()
	}

	if p.Conf.MetricsEnabled {
		if err := p.metrics.Register(); err != nil {
			p.report("metrics registration", err)
		}
		if p.Conf.MetricsPort > 0 {
			p.RegisterHTTPHandler(p.Conf.MetricsPort, "/metrics", promhttp.Handler())
			p.RegisterHTTPHandler(p.Conf.MetricsPort, "/api/events", p.introspectionHandler())
		}
	}
	p.startHTTPServers()

	p.Logger.Info("Pipeline started", loggingpkg.LogFields{
		"identity":  p.Conf.Identity,
		"transport": p.Conf.Transport,
	})
	return nil
}

// Close flushes pending batches, stops the background loops, and closes
// the transport. Safe to call more than once.
func (p *Pipeline) Close() error {
	p.closedMu.Lock()
	if p.closed {
		p.closedMu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.closedMu.Unlock()

	if cancel != nil {
		// The sweeper flushes the remaining batches on its way out.
		cancel()
	} else {
		p.batch.FlushAll()
	}
	p.wg.Wait()

	var errs []error
	if p.publisher != nil {
		if err := p.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.subscriber != nil {
		if err := p.subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	p.Logger.Info("Pipeline closed", loggingpkg.LogFields{"identity": p.Conf.Identity})
	return errors.Join(errs...)
}

// pump feeds subscribed frames into HandleFrame. Frames are acked
// unconditionally; failures surface through stats and breakers rather
// than transport redelivery.
func (p *Pipeline) pump(messages <-chan *message.Message) {
	for msg := range messages {
		source := msg.Metadata.Get(MetadataSource)
		if err := p.HandleFrame(source, msg.Payload); err != nil {
			p.Logger.Error("Inbound frame rejected", err, loggingpkg.LogFields{
				"source":   source,
				"frame_id": msg.UUID,
			})
		}
		msg.Ack()
	}
}

func (p *Pipeline) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	p.httpServersMu.Lock()
	defer p.httpServersMu.Unlock()

	if p.httpServers == nil {
		p.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := p.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		p.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (p *Pipeline) startHTTPServers() {
	p.httpServersMu.Lock()
	defer p.httpServersMu.Unlock()

	for port, mux := range p.httpServers {
		addr := fmt.Sprintf(":%d", port)
		p.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				p.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}

// Events returns the introspection view of every event known to the
// pipeline, sorted by name.
func (p *Pipeline) Events() []*EventInfo {
	names := make(map[string]struct{})

	p.handlersMu.RLock()
	for name := range p.handlers {
		names[name] = struct{}{}
	}
	p.handlersMu.RUnlock()

	p.optionsMu.RLock()
	for name := range p.options {
		names[name] = struct{}{}
	}
	p.optionsMu.RUnlock()

	p.statsMu.RLock()
	for name := range p.stats {
		names[name] = struct{}{}
	}
	p.statsMu.RUnlock()

	middleware := p.chain.Names()

	out := make([]*EventInfo, 0, len(names))
	for name := range names {
		p.handlersMu.RLock()
		handlerCount := len(p.handlers[name])
		p.handlersMu.RUnlock()

		out = append(out, &EventInfo{
			Name:       name,
			Handlers:   handlerCount,
			Middleware: middleware,
			Stats:      p.statsFor(name),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BreakerStates snapshots every endpoint breaker's state.
func (p *Pipeline) BreakerStates() map[string]BreakerState {
	return p.breakers.states()
}

// QueueDepths snapshots the scheduler's per-priority backlog.
func (p *Pipeline) QueueDepths() [numPriorities]int {
	return p.sched.Depths()
}

// PendingPayloads reports payloads buffered in unflushed batches.
func (p *Pipeline) PendingPayloads() int {
	return p.batch.PendingCount()
}

func (p *Pipeline) statsFor(event string) *EventStats {
	p.statsMu.RLock()
	st := p.stats[event]
	p.statsMu.RUnlock()
	if st != nil {
		return st
	}

	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	if st := p.stats[event]; st != nil {
		return st
	}
	st = newEventStats(event)
	p.stats[event] = st
	return st
}

func (p *Pipeline) handlersFor(event string) []Handler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	return p.handlers[event]
}

func (p *Pipeline) optionsFor(event string) eventOptions {
	p.optionsMu.RLock()
	defer p.optionsMu.RUnlock()
	if opts, ok := p.options[event]; ok {
		return opts
	}
	return defaultEventOptions()
}
