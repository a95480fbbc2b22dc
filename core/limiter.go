package core

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// CallBudget enforces a maximum number of model calls per run.
type CallBudget struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewCallBudget creates a budget with a max number of calls.
// If max == 0, unlimited calls are allowed.
func NewCallBudget(max int) *CallBudget {
	return &CallBudget{max: max}
}

// Increment increases the call counter and returns ErrModelCallsExceeded if
// the budget is exhausted.
func (b *CallBudget) Increment() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.count++
	if b.max > 0 && b.count > b.max {
		return fmt.Errorf("%w: max %d", ErrModelCallsExceeded, b.max)
	}

	return nil
}

// Count returns the current number of calls made.
func (b *CallBudget) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.count
}

// Remaining returns how many calls are left before hitting the limit.
func (b *CallBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.max == 0 {
		return -1 // unlimited
	}

	return b.max - b.count
}

// Throttle is a token-bucket admission control placed in front of model
// calls. It is the single intentional backpressure point shared by all
// agents in a run; Acquire blocks callers until capacity is available or the
// context is cancelled. Construct one per run and inject it — never a
// process singleton.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle creates a throttle admitting callsPerSecond with the given
// burst. A nil Throttle admits everything, so callers may pass one through
// unconditionally.
func NewThrottle(callsPerSecond float64, burst int) *Throttle {
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst)}
}

// Acquire blocks until a token is available or ctx is cancelled.
func (t *Throttle) Acquire(ctx context.Context) error {
	if t == nil || t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}
