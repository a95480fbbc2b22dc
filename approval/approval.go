// Package approval implements the checkpoint placed in front of sensitive
// tool calls. A Gate receives the pending call and answers with an
// approve/deny Decision, either synchronously (in-process delegate) or
// asynchronously (external channel) with an optional timeout after which the
// call is treated as denied.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/core"
)

// Decision is the outcome of an approval request.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Request carries the pending tool call plus enough context for a reviewer
// to decide.
type Request struct {
	ID        string         `json:"id"` // Correlation id (function call id)
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Agent     string         `json:"agent,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
}

// Gate decides whether a sensitive tool call may execute. Implementations
// must honor ctx cancellation; a blocked Request suspends the issuing agent
// turn until a decision arrives.
type Gate interface {
	Request(ctx context.Context, req Request) (Decision, error)
}

// GateFunc adapts a plain function to the Gate interface.
type GateFunc func(ctx context.Context, req Request) (Decision, error)

// Request implements Gate.
func (f GateFunc) Request(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// ApproveAll returns a gate that approves every request. Useful for tests
// and development.
func ApproveAll() Gate {
	return GateFunc(func(context.Context, Request) (Decision, error) {
		return Decision{Approved: true}, nil
	})
}

// DenyAll returns a gate that denies every request with the given reason.
func DenyAll(reason string) Gate {
	return GateFunc(func(context.Context, Request) (Decision, error) {
		return Decision{Approved: false, Reason: reason}, nil
	})
}

// AsyncGateOptions configures an AsyncGate.
type AsyncGateOptions struct {
	// Timeout bounds the wait for an external decision. Zero means wait
	// until ctx cancellation. On expiry the pending call is treated as
	// denied and the gate returns core.ErrApprovalTimeout.
	Timeout time.Duration
	// Buffer sizes the pending request channel.
	Buffer int
}

// AsyncGate bridges to an out-of-process reviewer (webhook handler, chat
// integration, CLI prompt). Pending requests are published on Pending();
// the external side answers via Resolve.
type AsyncGate struct {
	timeout time.Duration
	pending chan Request

	mu      sync.Mutex
	waiters map[string]chan Decision
}

// NewAsyncGate creates an asynchronous approval gate.
func NewAsyncGate(optFns ...func(o *AsyncGateOptions)) *AsyncGate {
	opts := AsyncGateOptions{Buffer: 16}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &AsyncGate{
		timeout: opts.Timeout,
		pending: make(chan Request, opts.Buffer),
		waiters: map[string]chan Decision{},
	}
}

// Pending exposes the stream of requests awaiting a decision.
func (g *AsyncGate) Pending() <-chan Request { return g.pending }

// Resolve delivers the decision for a previously published request. Unknown
// or already-resolved ids are ignored.
func (g *AsyncGate) Resolve(id string, d Decision) {
	g.mu.Lock()
	ch, ok := g.waiters[id]
	if ok {
		delete(g.waiters, id)
	}
	g.mu.Unlock()

	if ok {
		ch <- d
	}
}

// Request implements Gate. It publishes the request and suspends until the
// decision arrives, the optional timeout expires (treated as denied), or ctx
// is cancelled.
func (g *AsyncGate) Request(ctx context.Context, req Request) (Decision, error) {
	decisionCh := make(chan Decision, 1)

	g.mu.Lock()
	g.waiters[req.ID] = decisionCh
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.waiters, req.ID)
		g.mu.Unlock()
	}()

	select {
	case g.pending <- req:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}

	var timeoutCh <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case d := <-decisionCh:
		return d, nil
	case <-timeoutCh:
		return Decision{Approved: false, Reason: "approval timed out"}, core.ErrApprovalTimeout
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}
