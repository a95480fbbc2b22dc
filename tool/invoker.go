package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/approval"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/util"
	"github.com/hupe1980/agentflow/logging"
)

// Status classifies the result of a single tool invocation.
type Status string

// Outcome statuses. Every dispatched call ends in exactly one of these.
const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusDenied  Status = "denied"
	StatusPending Status = "pending" // Approval requested, decision outstanding
)

// Call is a single requested tool invocation: name, parsed argument map and
// a correlation id back to the turn that issued it. Consumed once by the
// Invoker.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Agent     string         `json:"agent,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
}

// Outcome is the uniform result of one tool invocation. Failures are data,
// not raised errors: the runner feeds error outcomes back into the
// conversation so the model can self-correct.
type Outcome struct {
	CallID     string                `json:"call_id"`
	Tool       string                `json:"tool"`
	Status     Status                `json:"status"`
	Result     any                   `json:"result,omitempty"`
	Message    string                `json:"message,omitempty"`    // Error or denial reason, model-visible
	Violations util.ValidationErrors `json:"violations,omitempty"` // Structured schema feedback
	Elapsed    time.Duration         `json:"elapsed"`

	// Err carries the taxonomy sentinel (ErrToolNotFound,
	// ErrInvalidArguments, ErrApprovalDenied, ErrApprovalTimeout) for
	// errors.Is classification by the runner. Plain execution failures
	// leave it nil: they are conversational feedback, not terminal errors.
	Err error `json:"-"`
}

// OK reports whether the invocation succeeded.
func (o Outcome) OK() bool { return o.Status == StatusSuccess }

// Response converts the outcome into the function response recorded in
// conversation history.
func (o Outcome) Response() core.FunctionResponse {
	fr := core.FunctionResponse{ID: o.CallID, Name: o.Tool}
	switch o.Status {
	case StatusSuccess:
		fr.Response = o.Result
	case StatusDenied:
		fr.Error = fmt.Sprintf("tool call denied: %s", o.Message)
	default:
		fr.Error = o.Message
		if len(o.Violations) > 0 {
			fr.Response = map[string]any{"violations": o.Violations}
		}
	}
	return fr
}

// InvokerOptions configures an Invoker.
type InvokerOptions struct {
	// Gate handles approval for sensitive tools. Required only when at
	// least one registered tool is marked sensitive.
	Gate approval.Gate
	// Timeout bounds a single tool execution. Zero disables the bound.
	Timeout time.Duration
	// Logger receives structured invocation events.
	Logger logging.Logger
}

// Invoker validates and executes tool calls, converting arbitrary callables
// into uniform Outcomes. It owns the tool registry and the sensitive-tool
// approval routing. Safe for concurrent use.
type Invoker struct {
	mu        sync.RWMutex
	registry  map[string]Tool
	sensitive map[string]bool

	gate    approval.Gate
	timeout time.Duration
	logger  logging.Logger
}

// NewInvoker creates an Invoker with optional overrides.
func NewInvoker(optFns ...func(o *InvokerOptions)) *Invoker {
	opts := InvokerOptions{Timeout: 15 * time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Invoker{
		registry:  map[string]Tool{},
		sensitive: map[string]bool{},
		gate:      opts.Gate,
		timeout:   opts.Timeout,
		logger:    logging.OrNoOp(opts.Logger),
	}
}

// Register adds a tool to the registry, replacing any previous tool with the
// same name.
func (inv *Invoker) Register(t Tool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.registry[t.Name()] = t
}

// RegisterSensitive registers a tool whose every invocation must pass the
// approval gate first.
func (inv *Invoker) RegisterSensitive(t Tool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.registry[t.Name()] = t
	inv.sensitive[t.Name()] = true
}

// MarkSensitive flags an already registered tool as requiring approval.
func (inv *Invoker) MarkSensitive(name string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.sensitive[name] = true
}

// Lookup returns the registered tool and whether it exists.
func (inv *Invoker) Lookup(name string) (Tool, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	t, ok := inv.registry[name]
	return t, ok
}

// Tools returns the registered tools sorted by name for deterministic
// request assembly.
func (inv *Invoker) Tools() []Tool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	names := make([]string, 0, len(inv.registry))
	for name := range inv.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	tools := make([]Tool, len(names))
	for i, name := range names {
		tools[i] = inv.registry[name]
	}
	return tools
}

// Invoke resolves, validates and executes a single call, always returning an
// Outcome. The underlying callable is never reached when the name is
// unresolved, the arguments violate the declared schema, or the approval
// gate denies the call.
func (inv *Invoker) Invoke(tc *Context, call Call) Outcome {
	start := time.Now()

	inv.logger.Debug("tool.invoke.start", "tool", call.Name, "call_id", call.ID)

	t, ok := inv.Lookup(call.Name)
	if !ok {
		inv.logger.Warn("tool.invoke.not_found", "tool", call.Name)
		return Outcome{
			CallID:  call.ID,
			Tool:    call.Name,
			Status:  StatusError,
			Message: fmt.Sprintf("%v: %q is not a registered tool", core.ErrToolNotFound, call.Name),
			Err:     core.ErrToolNotFound,
			Elapsed: time.Since(start),
		}
	}

	if violations := util.ValidateParameters(call.Arguments, t.Parameters()); violations != nil {
		inv.logger.Warn("tool.invoke.invalid_arguments", "tool", call.Name, "violations", len(violations))
		return Outcome{
			CallID:     call.ID,
			Tool:       call.Name,
			Status:     StatusError,
			Message:    fmt.Sprintf("%v: %s", core.ErrInvalidArguments, violations.Error()),
			Violations: violations,
			Err:        core.ErrInvalidArguments,
			Elapsed:    time.Since(start),
		}
	}

	if inv.isSensitive(call.Name) {
		if outcome, proceed := inv.requestApproval(tc, call, start); !proceed {
			return outcome
		}
	}

	result, err := inv.execute(tc, t, call)
	elapsed := time.Since(start)

	if err != nil {
		inv.logger.Error("tool.invoke.error", "tool", call.Name, "error", err.Error(), "duration_ms", elapsed.Milliseconds())
		return Outcome{
			CallID:  call.ID,
			Tool:    call.Name,
			Status:  StatusError,
			Message: err.Error(),
			Elapsed: elapsed,
		}
	}

	inv.logger.Info("tool.invoke.success", "tool", call.Name, "duration_ms", elapsed.Milliseconds())

	return Outcome{
		CallID:  call.ID,
		Tool:    call.Name,
		Status:  StatusSuccess,
		Result:  result,
		Elapsed: elapsed,
	}
}

// Sensitive reports whether the named tool requires approval.
func (inv *Invoker) Sensitive(name string) bool { return inv.isSensitive(name) }

func (inv *Invoker) isSensitive(name string) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.sensitive[name]
}

// requestApproval routes the call through the gate. The second return value
// reports whether execution may proceed.
func (inv *Invoker) requestApproval(tc *Context, call Call, start time.Time) (Outcome, bool) {
	if inv.gate == nil {
		// Sensitive without a gate is a misconfiguration; refuse rather
		// than silently execute.
		return Outcome{
			CallID:  call.ID,
			Tool:    call.Name,
			Status:  StatusDenied,
			Message: "sensitive tool has no approval gate configured",
			Err:     core.ErrApprovalDenied,
			Elapsed: time.Since(start),
		}, false
	}

	inv.logger.Info("tool.approval.requested", "tool", call.Name, "call_id", call.ID)

	decision, err := inv.gate.Request(tc, approval.Request{
		ID:        call.ID,
		Tool:      call.Name,
		Arguments: call.Arguments,
		Agent:     call.Agent,
		TaskID:    call.TaskID,
	})
	if err != nil {
		if errors.Is(err, core.ErrApprovalTimeout) {
			inv.logger.Warn("tool.approval.timeout", "tool", call.Name, "call_id", call.ID)
			return Outcome{
				CallID:  call.ID,
				Tool:    call.Name,
				Status:  StatusDenied,
				Message: core.ErrApprovalTimeout.Error(),
				Err:     core.ErrApprovalTimeout,
				Elapsed: time.Since(start),
			}, false
		}
		return Outcome{
			CallID:  call.ID,
			Tool:    call.Name,
			Status:  StatusError,
			Message: fmt.Sprintf("approval gate failed: %v", err),
			Elapsed: time.Since(start),
		}, false
	}

	inv.logger.Info("tool.approval.resolved", "tool", call.Name, "call_id", call.ID, "approved", decision.Approved)

	if !decision.Approved {
		reason := decision.Reason
		if reason == "" {
			reason = core.ErrApprovalDenied.Error()
		}
		return Outcome{
			CallID:  call.ID,
			Tool:    call.Name,
			Status:  StatusDenied,
			Message: reason,
			Err:     core.ErrApprovalDenied,
			Elapsed: time.Since(start),
		}, false
	}

	return Outcome{}, true
}

// execute runs the tool body with panic capture and the configured timeout.
// A panicking tool never takes down the run; it becomes an error outcome.
func (inv *Invoker) execute(tc *Context, t Tool, call Call) (result any, err error) {
	ctx := tc.Context
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	execCtx := *tc
	execCtx.Context = ctx

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()

	return t.Call(&execCtx, call.Arguments)
}
