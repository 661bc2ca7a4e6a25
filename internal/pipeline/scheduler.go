package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Priority selects one of the five scheduler levels. Out-of-range
// values are clamped to PriorityNormal at enqueue time.
type Priority int

const (
	PriorityCritical   Priority = 0
	PriorityHigh       Priority = 1
	PriorityNormal     Priority = 2
	PriorityLow        Priority = 3
	PriorityBackground Priority = 4
)

const numPriorities = 5

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) clamp() Priority {
	if p < PriorityCritical || p > PriorityBackground {
		return PriorityNormal
	}
	return p
}

// Drain policy: phase one empties Critical and takes a budgeted slice of
// High and Normal. Phase two serves Low and Background, but only when
// phase one processed nothing, or wall-clock time remains inside the
// cycle budget, or a level has waited starvationLimit cycles. The last
// rule bounds starvation: a non-empty low level runs at latest every
// starvationLimit+1 cycles.
const (
	highBudget       = 5
	normalBudget     = 3
	lowBudget        = 2
	backgroundBudget = 1
	starvationLimit  = 4
)

type thunk func()

// scheduler drains five FIFO queues on a fixed tick. Thunks run outside
// the queue lock; a panicking thunk is reported and never stops the
// cycle.
type scheduler struct {
	mu      sync.Mutex
	queues  [numPriorities][]thunk
	skipped [2]int // consecutive skipped cycles for Low, Background

	cycleBudget time.Duration
	report      func(context string, err error)
	observe     func(level Priority, processed int)
}

func newScheduler(cycleBudget time.Duration, report func(string, error), observe func(Priority, int)) *scheduler {
	return &scheduler{
		cycleBudget: cycleBudget,
		report:      report,
		observe:     observe,
	}
}

// Enqueue appends fn to the level's FIFO queue.
func (s *scheduler) Enqueue(priority Priority, fn thunk) {
	if fn == nil {
		return
	}
	level := priority.clamp()

	s.mu.Lock()
	s.queues[level] = append(s.queues[level], fn)
	s.mu.Unlock()
}

// Depths snapshots the queue lengths for introspection.
func (s *scheduler) Depths() [numPriorities]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [numPriorities]int
	for i := range s.queues {
		out[i] = len(s.queues[i])
	}
	return out
}

// run drives the drain cycle until the context is cancelled.
func (s *scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cycleBudget)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainOnce()
		}
	}
}

// drainOnce executes one drain cycle.
func (s *scheduler) drainOnce() {
	start := time.Now()

	// Phase one: all of Critical, then budgeted High and Normal.
	critical := s.take(PriorityCritical, -1)
	high := s.take(PriorityHigh, highBudget)
	normal := s.take(PriorityNormal, normalBudget)

	s.runBatch(PriorityCritical, critical)
	s.runBatch(PriorityHigh, high)
	s.runBatch(PriorityNormal, normal)

	phaseOneCount := len(critical) + len(high) + len(normal)
	elapsed := time.Since(start)

	// Phase two: Low and Background, gated but never starved.
	s.mu.Lock()
	serve := phaseOneCount == 0 || elapsed < s.cycleBudget ||
		s.skipped[0] >= starvationLimit || s.skipped[1] >= starvationLimit
	var low, background []thunk
	if serve {
		low = s.takeLocked(PriorityLow, lowBudget)
		background = s.takeLocked(PriorityBackground, backgroundBudget)
		s.skipped[0] = 0
		s.skipped[1] = 0
	} else {
		if len(s.queues[PriorityLow]) > 0 {
			s.skipped[0]++
		} else {
			s.skipped[0] = 0
		}
		if len(s.queues[PriorityBackground]) > 0 {
			s.skipped[1]++
		} else {
			s.skipped[1] = 0
		}
	}
	s.mu.Unlock()

	s.runBatch(PriorityLow, low)
	s.runBatch(PriorityBackground, background)
}

// take pops up to budget thunks from a level; budget < 0 drains it.
func (s *scheduler) take(level Priority, budget int) []thunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked(level, budget)
}

func (s *scheduler) takeLocked(level Priority, budget int) []thunk {
	q := s.queues[level]
	n := len(q)
	if n == 0 {
		return nil
	}
	if budget >= 0 && n > budget {
		n = budget
	}

	batch := q[:n:n]
	rest := q[n:]
	if len(rest) == 0 {
		// Release the drained backing array.
		s.queues[level] = nil
	} else {
		s.queues[level] = rest
	}
	return batch
}

func (s *scheduler) runBatch(level Priority, batch []thunk) {
	if len(batch) == 0 {
		return
	}
	for _, fn := range batch {
		s.runOne(level, fn)
	}
	if s.observe != nil {
		s.observe(level, len(batch))
	}
}

func (s *scheduler) runOne(level Priority, fn thunk) {
	defer func() {
		if r := recover(); r != nil {
			s.report("scheduled task", fmt.Errorf("%s task panicked: %v", level, r))
		}
	}()
	fn()
}
