package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wireflow-go/wireflow/internal/pipeline/codec"
	errspkg "github.com/wireflow-go/wireflow/internal/pipeline/errors"
)

// DefaultMiddlewarePriority is used when Register is called with a
// non-positive priority.
const DefaultMiddlewarePriority = 100

type middlewareVerdict uint8

const (
	verdictPass middlewareVerdict = iota
	verdictReplace
	verdictBlock
)

// MiddlewareResult is a middleware handler's verdict on one payload.
// Build it with Pass, Replace, or Block.
type MiddlewareResult struct {
	verdict middlewareVerdict
	payload codec.Value
}

// Pass keeps the current payload and continues the chain.
func Pass() MiddlewareResult {
	return MiddlewareResult{verdict: verdictPass}
}

// Replace substitutes the payload for the rest of the chain.
func Replace(payload codec.Value) MiddlewareResult {
	return MiddlewareResult{verdict: verdictReplace, payload: payload}
}

// Block stops the chain; the payload is dropped by the caller.
func Block() MiddlewareResult {
	return MiddlewareResult{verdict: verdictBlock}
}

// MiddlewareFunc inspects or transforms one payload in transit. It runs
// synchronously inside the shared drain infrastructure and must not
// block.
type MiddlewareFunc func(event, caller string, payload codec.Value) MiddlewareResult

type middlewareEntry struct {
	name     string
	priority int
	seq      int
	fn       MiddlewareFunc
}

// middlewareChain is the ordered, named set of middleware of one
// pipeline instance. Lower priority runs first; equal priorities keep
// registration order.
type middlewareChain struct {
	mu      sync.RWMutex
	entries []middlewareEntry
	nextSeq int

	report func(context string, err error)
}

func newMiddlewareChain(report func(string, error)) *middlewareChain {
	return &middlewareChain{report: report}
}

// Register adds a named middleware. Re-registering a name fails with
// ErrDuplicateMiddleware; a nil handler fails with ErrHandlerRequired.
func (c *middlewareChain) Register(name string, fn MiddlewareFunc, priority int) error {
	if name == "" {
		return fmt.Errorf("%w: middleware name is empty", errspkg.ErrHandlerRequired)
	}
	if fn == nil {
		return fmt.Errorf("%w: middleware %q", errspkg.ErrHandlerRequired, name)
	}
	if priority <= 0 {
		priority = DefaultMiddlewarePriority
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.name == name {
			return fmt.Errorf("%w: %q", errspkg.ErrDuplicateMiddleware, name)
		}
	}

	c.entries = append(c.entries, middlewareEntry{
		name:     name,
		priority: priority,
		seq:      c.nextSeq,
		fn:       fn,
	})
	c.nextSeq++

	sort.SliceStable(c.entries, func(i, j int) bool {
		if c.entries[i].priority != c.entries[j].priority {
			return c.entries[i].priority < c.entries[j].priority
		}
		return c.entries[i].seq < c.entries[j].seq
	})
	return nil
}

// Names lists the registered middleware in execution order.
func (c *middlewareChain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.name
	}
	return out
}

// Execute runs the chain over one payload. It returns false when a
// middleware blocked the payload, together with the payload as it stood
// at that point. A panicking middleware is reported and treated as
// "no change, continue" so one broken middleware cannot stop traffic.
func (c *middlewareChain) Execute(event, caller string, payload codec.Value) (bool, codec.Value) {
	c.mu.RLock()
	entries := c.entries
	c.mu.RUnlock()

	for _, e := range entries {
		result := c.invoke(e, event, caller, payload)
		switch result.verdict {
		case verdictReplace:
			payload = result.payload
		case verdictBlock:
			return false, payload
		case verdictPass:
		}
	}
	return true, payload
}

func (c *middlewareChain) invoke(e middlewareEntry, event, caller string, payload codec.Value) (result MiddlewareResult) {
	defer func() {
		if r := recover(); r != nil {
			c.report("middleware", fmt.Errorf("middleware %q panicked on event %q: %v", e.name, event, r))
			result = Pass()
		}
	}()
	return e.fn(event, caller, payload)
}
