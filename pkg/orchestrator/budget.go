package orchestrator

import (
	"sync/atomic"
	"time"
)

// Exhaustion names the budget dimension that ran out first.
type Exhaustion string

const (
	ExhaustedNone   Exhaustion = ""
	ExhaustedTokens Exhaustion = "tokens"
	ExhaustedTime   Exhaustion = "time"
	ExhaustedSteps  Exhaustion = "steps"
)

// Budget tracks the remaining resources of one orchestration run.
// All dimensions only ever decrease; consumption never restores capacity.
type Budget struct {
	tokens   atomic.Int64
	steps    atomic.Int64
	deadline time.Time
	now      func() time.Time
}

// NewBudget creates a budget with the given capacities.
func NewBudget(tokens, steps int, window time.Duration) *Budget {
	return newBudget(tokens, steps, window, time.Now)
}

func newBudget(tokens, steps int, window time.Duration, now func() time.Time) *Budget {
	b := &Budget{now: now}
	b.tokens.Store(int64(tokens))
	b.steps.Store(int64(steps))
	b.deadline = b.now().Add(window)
	return b
}

// ConsumeTokens deducts n tokens. The remaining count floors at a
// negative value rather than clamping, so overshoot is visible.
func (b *Budget) ConsumeTokens(n int) {
	if n > 0 {
		b.tokens.Add(int64(-n))
	}
}

// ConsumeStep deducts one step and reports whether a step was available.
func (b *Budget) ConsumeStep() bool {
	return b.steps.Add(-1) >= 0
}

// RemainingTokens returns the remaining token capacity.
func (b *Budget) RemainingTokens() int {
	return int(b.tokens.Load())
}

// RemainingSteps returns the remaining step capacity.
func (b *Budget) RemainingSteps() int {
	remaining := b.steps.Load()
	if remaining < 0 {
		return 0
	}
	return int(remaining)
}

// DeadlineExceeded reports whether the wall-clock window has closed.
func (b *Budget) DeadlineExceeded() bool {
	return !b.now().Before(b.deadline)
}

// Exhausted reports the first depleted dimension, checking tokens, then
// time, then steps.
func (b *Budget) Exhausted() Exhaustion {
	if b.tokens.Load() <= 0 {
		return ExhaustedTokens
	}
	if b.DeadlineExceeded() {
		return ExhaustedTime
	}
	if b.steps.Load() <= 0 {
		return ExhaustedSteps
	}
	return ExhaustedNone
}
