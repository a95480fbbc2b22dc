package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/guardrail"
	"github.com/hupe1980/agentflow/internal/util"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/tool"
)

// State identifies where a run currently is in its lifecycle.
type State string

// Run states. COMPLETED, FAILED and CANCELLED are terminal.
const (
	StateStarted          State = "STARTED"
	StateAwaitingModel    State = "AWAITING_MODEL"
	StateToolDispatch     State = "TOOL_DISPATCH"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateReflecting       State = "REFLECTING"
	StateGuardrailCheck   State = "GUARDRAIL_CHECK"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
	StateCancelled        State = "CANCELLED"
)

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Result is the final product of one agent run.
type Result struct {
	// Output is the accepted final answer text.
	Output string
	// Payload is the schema-validated JSON object when the agent declares
	// an output schema; nil otherwise.
	Payload map[string]any
	// State is the terminal state the run ended in.
	State State
	// History is the full conversation transcript of the run.
	History []core.Content

	Usage      model.TokenUsage
	ModelCalls int
	ToolCalls  int
	Elapsed    time.Duration
}

// RunnerOptions configures a single run.
type RunnerOptions struct {
	// RunID correlates all events of the run. Generated when empty.
	RunID string
	// TaskID scopes the run to a workflow task.
	TaskID string
	// Iteration distinguishes repeated executions of the same task id
	// inside loop constructs.
	Iteration int
	// Vars gives tool bodies access to workflow variables.
	Vars tool.Vars
	// Variables feed instruction template resolution.
	Variables map[string]any
	// ContextInputs are dependency outputs injected ahead of the task
	// input, in declaration order.
	ContextInputs []core.Content
	// ExpectedOutput describes the desired shape of the answer and is
	// appended to the system prompt when non-empty.
	ExpectedOutput string
	// Emit receives trace events as they happen. Must not block for long;
	// nil drops events.
	Emit func(core.Event)
	// Throttle overrides the agent's throttle for this run.
	Throttle *core.Throttle
	// Budget overrides the per-run model call budget, letting workflows
	// share one budget across tasks.
	Budget *core.CallBudget
	// Guardrail overrides the agent's guardrail for this run.
	Guardrail guardrail.Guardrail

	Logger logging.Logger
}

// Runner executes one agent run as a turn-based state machine: model call,
// tool dispatch rounds, optional reflection, then schema and guardrail
// validation with a bounded shared retry budget. A Runner is single use and
// not safe for concurrent Run calls.
type Runner struct {
	agent    *Agent
	runID    string
	taskID   string
	iter     int
	vars     tool.Vars
	varsMap  map[string]any
	inputs   []core.Content
	expected string
	emit     func(core.Event)
	throttle *core.Throttle
	budget   *core.CallBudget
	guard    guardrail.Guardrail
	logger   logging.Logger

	state     State
	history   []core.Content
	usage     model.TokenUsage
	toolCalls int
	retries   int
}

// NewRunner prepares a run for the given agent.
func NewRunner(a *Agent, optFns ...func(o *RunnerOptions)) *Runner {
	opts := RunnerOptions{
		Throttle:  a.throttle,
		Guardrail: a.guardrail,
		Logger:    a.logger,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.RunID == "" {
		opts.RunID = core.NewID()
	}
	if opts.Budget == nil {
		opts.Budget = core.NewCallBudget(a.maxModel)
	}

	return &Runner{
		agent:    a,
		runID:    opts.RunID,
		taskID:   opts.TaskID,
		iter:     opts.Iteration,
		vars:     opts.Vars,
		varsMap:  opts.Variables,
		inputs:   opts.ContextInputs,
		expected: opts.ExpectedOutput,
		emit:     opts.Emit,
		throttle: opts.Throttle,
		budget:   opts.Budget,
		guard:    opts.Guardrail,
		logger:   logging.OrNoOp(opts.Logger),
		state:    StateStarted,
	}
}

// State returns the run's current lifecycle state.
func (r *Runner) State() State { return r.state }

// Run drives the state machine to a terminal state. On failure the returned
// error is a *core.TaskError wrapping the taxonomy sentinel; the Result is
// still returned for inspection of the partial transcript.
func (r *Runner) Run(ctx context.Context, input string) (*Result, error) {
	start := time.Now()

	r.publish(core.EventRunStarted)
	r.logger.Info("run.start", "agent", r.agent.name, "run_id", r.runID, "task_id", r.taskID)

	instructions, err := r.buildInstructions(ctx, input)
	if err != nil {
		return r.fail(start, fmt.Errorf("resolve instructions: %w", err))
	}

	r.history = append(r.history, r.inputs...)
	r.history = append(r.history, core.NewTextContent("user", input))

	for {
		if err := ctx.Err(); err != nil {
			return r.cancel(start, err)
		}

		r.publish(core.EventTurnStarted)

		r.state = StateAwaitingModel
		resp, err := r.generate(ctx, instructions)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancel(start, ctx.Err())
			}
			return r.fail(start, err)
		}

		r.history = append(r.history, resp.Content)

		if calls := resp.Content.FunctionCalls(); len(calls) > 0 {
			if r.toolCalls+len(calls) > r.agent.maxToolCalls {
				return r.fail(start, fmt.Errorf("%w: %d calls exceed ceiling %d",
					core.ErrToolLoopExceeded, r.toolCalls+len(calls), r.agent.maxToolCalls))
			}

			if err := r.dispatch(ctx, calls); err != nil {
				if errors.Is(err, core.ErrCancelled) {
					return r.cancel(start, err)
				}
				return r.fail(start, err)
			}
			continue
		}

		draft := resp.Content.Text()

		if r.agent.reflection != nil {
			r.state = StateReflecting
			draft, err = r.reflect(ctx, input, instructions, draft)
			if err != nil {
				if ctx.Err() != nil {
					return r.cancel(start, ctx.Err())
				}
				return r.fail(start, err)
			}
			r.history[len(r.history)-1] = core.NewTextContent("assistant", draft)
		}

		payload, feedback := r.checkSchema(draft)
		if feedback == "" && r.guard != nil {
			r.state = StateGuardrailCheck
			res, gerr := r.guard.Evaluate(ctx, draft)
			if gerr != nil {
				if ctx.Err() != nil {
					return r.cancel(start, ctx.Err())
				}
				return r.fail(start, gerr)
			}
			if res.Accepted {
				if res.Feedback != "" {
					draft = res.Feedback
					r.history[len(r.history)-1] = core.NewTextContent("assistant", draft)
				}
			} else {
				r.publish(core.EventGuardrailRejected, withMeta("feedback", res.Feedback))
				feedback = fmt.Sprintf("Your answer was rejected by the output reviewer:\n%s\nProduce a corrected answer.", res.Feedback)
			}
		}

		if feedback != "" {
			r.retries++
			if r.retries >= r.agent.maxRetries {
				if payload == nil && r.agent.outputSchema != nil {
					return r.fail(start, fmt.Errorf("%w: retry budget %d exhausted", core.ErrSchemaValidation, r.agent.maxRetries))
				}
				return r.fail(start, fmt.Errorf("%w: retry budget %d exhausted", core.ErrGuardrailExceeded, r.agent.maxRetries))
			}
			r.history = append(r.history, core.NewTextContent("user", feedback))
			continue
		}

		return r.complete(ctx, start, draft, payload)
	}
}

// buildInstructions resolves the system prompt, appending the expected
// output hint and relevant memory recall.
func (r *Runner) buildInstructions(ctx context.Context, input string) (string, error) {
	instructions, err := r.agent.instruction.Resolve(r.varsMap)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(instructions)

	if r.expected != "" {
		b.WriteString("\n\nExpected output:\n")
		b.WriteString(r.expected)
	}
	if r.agent.outputSchema != nil {
		schemaJSON, _ := json.Marshal(r.agent.outputSchema)
		b.WriteString("\n\nRespond with a single JSON object satisfying this schema:\n")
		b.Write(schemaJSON)
	}

	if r.agent.memory != nil {
		results, err := r.agent.memory.Search(ctx, input, r.agent.memoryRecall)
		if err != nil {
			r.logger.Warn("memory.search.failed", "error", err.Error())
		} else if len(results) > 0 {
			b.WriteString("\n\nRelevant prior knowledge:\n")
			for _, res := range results {
				b.WriteString("- ")
				b.WriteString(res.Content)
				b.WriteString("\n")
			}
		}
	}

	return b.String(), nil
}

// generate performs one model call with throttling, budget accounting and
// bounded retry of transport failures. Semantic model output, however
// unusable, is never retried here.
func (r *Runner) generate(ctx context.Context, instructions string) (model.Response, error) {
	req := model.Request{
		Instructions: instructions,
		Contents:     r.history,
		Stream:       r.agent.streaming,
	}
	for _, t := range r.agent.invoker.Tools() {
		req.Tools = append(req.Tools, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}

	const maxAttempts = 3
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return model.Response{}, ctx.Err()
			}
		}

		if err := r.throttle.Acquire(ctx); err != nil {
			return model.Response{}, err
		}
		if err := r.budget.Increment(); err != nil {
			return model.Response{}, err
		}

		r.publish(core.EventModelCall, withMeta("attempt", attempt+1))

		resp, err := r.drain(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !model.IsTransport(err) {
			return model.Response{}, err
		}

		lastErr = err
		r.logger.Warn("model.transport.retry", "attempt", attempt+1, "error", err.Error())
	}

	return model.Response{}, fmt.Errorf("model call failed after %d attempts: %w", maxAttempts, lastErr)
}

// drain consumes one Generate call, forwarding partial chunks as events and
// returning the final aggregated response.
func (r *Runner) drain(ctx context.Context, req model.Request) (model.Response, error) {
	respCh, errCh := r.agent.llm.Generate(ctx, req)

	var final model.Response
	var sawFinal bool

	for respCh != nil || errCh != nil {
		select {
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				r.publish(core.EventModelChunk, withContent(resp.Content))
				continue
			}
			final = resp
			sawFinal = true
			if resp.Usage != nil {
				r.usage.Add(resp.Usage)
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return model.Response{}, err
			}
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		}
	}

	if !sawFinal {
		return model.Response{}, &model.TransportError{
			Provider: r.agent.llm.Info().Provider,
			Err:      errors.New("stream closed without final response"),
		}
	}
	return final, nil
}

// dispatch executes every requested call concurrently, records outcomes in
// request order and terminates the run only on approval denial or timeout.
// Ordinary tool failures become conversational feedback.
func (r *Runner) dispatch(ctx context.Context, calls []core.FunctionCall) error {
	r.state = StateToolDispatch
	for _, fc := range calls {
		if r.agent.invoker.Sensitive(fc.Name) {
			r.state = StateAwaitingApproval
			r.publish(core.EventApprovalRequested, withMeta("tool", fc.Name), withMeta("call_id", fc.ID))
		}
		r.publish(core.EventToolDispatched, withMeta("tool", fc.Name), withMeta("call_id", fc.ID))
	}

	outcomes := make([]tool.Outcome, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, fc := range calls {
		g.Go(func() error {
			outcomes[i] = r.invokeOne(gctx, fc)
			return nil
		})
	}
	_ = g.Wait() // workers report through outcomes, never through errors

	// Every dispatched call gets its outcome recorded before any terminal
	// transition, keeping the transcript well formed.
	parts := make([]core.Part, 0, len(outcomes))
	var terminal error
	for _, o := range outcomes {
		parts = append(parts, core.FunctionResponsePart{FunctionResponse: o.Response()})
		r.publish(core.EventToolResult, withMeta("tool", o.Tool), withMeta("status", string(o.Status)))
		if o.Status == tool.StatusDenied {
			r.publish(core.EventApprovalResolved, withMeta("tool", o.Tool), withMeta("approved", false))
			if terminal == nil {
				terminal = fmt.Errorf("tool %q: %w", o.Tool, denialErr(o))
			}
		} else if r.agent.invoker.Sensitive(o.Tool) {
			r.publish(core.EventApprovalResolved, withMeta("tool", o.Tool), withMeta("approved", true))
		}
	}
	r.history = append(r.history, core.Content{Role: "tool", Parts: parts})
	r.toolCalls += len(calls)

	if terminal != nil {
		return terminal
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCancelled, err)
	}
	r.state = StateToolDispatch
	return nil
}

func denialErr(o tool.Outcome) error {
	if errors.Is(o.Err, core.ErrApprovalTimeout) {
		return core.ErrApprovalTimeout
	}
	return core.ErrApprovalDenied
}

func (r *Runner) invokeOne(ctx context.Context, fc core.FunctionCall) tool.Outcome {
	args := map[string]any{}
	if raw := strings.TrimSpace(fc.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return tool.Outcome{
				CallID:  fc.ID,
				Tool:    fc.Name,
				Status:  tool.StatusError,
				Message: fmt.Sprintf("%v: arguments are not a JSON object: %v", core.ErrInvalidArguments, err),
				Err:     core.ErrInvalidArguments,
			}
		}
	}

	tc := tool.NewContext(ctx, fc.ID, r.agent.name, r.taskID, r.vars, r.logger)
	return r.agent.invoker.Invoke(tc, tool.Call{
		ID:        fc.ID,
		Name:      fc.Name,
		Arguments: args,
		Agent:     r.agent.name,
		TaskID:    r.taskID,
	})
}

// reflect runs the bounded critique/revise loop and returns the final draft.
func (r *Runner) reflect(ctx context.Context, input, instructions, draft string) (string, error) {
	cfg := r.agent.reflection.normalize()

	for round := 1; round <= cfg.MaxRounds; round++ {
		critique, err := r.sideCall(ctx, cfg.criticInstructions(), criticPrompt(input, draft))
		if err != nil {
			return "", err
		}

		satisfied, body := parseCritique(critique)
		r.publish(core.EventReflection, withMeta("round", round), withMeta("satisfied", satisfied))

		if satisfied && round >= cfg.MinRounds {
			return draft, nil
		}
		if body == "" {
			body = "Improve clarity, correctness and completeness."
		}

		revised, err := r.sideCall(ctx, instructions,
			fmt.Sprintf("Task:\n%s\n\nYour previous answer:\n%s\n\n%s", input, draft, revisePrompt(body)))
		if err != nil {
			return "", err
		}
		draft = revised
	}

	return draft, nil
}

// sideCall issues an auxiliary model call outside the main transcript. It
// draws from the same throttle and budget as primary calls.
func (r *Runner) sideCall(ctx context.Context, instructions, prompt string) (string, error) {
	if err := r.throttle.Acquire(ctx); err != nil {
		return "", err
	}
	if err := r.budget.Increment(); err != nil {
		return "", err
	}

	r.publish(core.EventModelCall, withMeta("auxiliary", true))

	resp, err := r.drain(ctx, model.Request{
		Instructions: instructions,
		Contents:     []core.Content{core.NewTextContent("user", prompt)},
	})
	if err != nil {
		return "", err
	}
	return resp.Content.Text(), nil
}

// checkSchema validates the draft against the declared output schema. It
// returns the parsed payload on success, or model-directed feedback when the
// draft does not satisfy the schema. Without a schema both returns are zero.
func (r *Runner) checkSchema(draft string) (map[string]any, string) {
	if r.agent.outputSchema == nil {
		return nil, ""
	}

	payload, err := parseJSONObject(draft)
	if err != nil {
		return nil, fmt.Sprintf("Your answer must be a single JSON object satisfying the declared schema. Parsing failed: %v. Reply with the corrected JSON object only.", err)
	}
	if violations := util.ValidateParameters(payload, r.agent.outputSchema); violations != nil {
		return nil, fmt.Sprintf("Your JSON answer violates the declared schema:\n%s\nReply with the corrected JSON object only.", violations.Error())
	}
	return payload, ""
}

// parseJSONObject extracts a JSON object from model output, tolerating
// markdown code fences around the payload.
func parseJSONObject(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (r *Runner) complete(ctx context.Context, start time.Time, output string, payload map[string]any) (*Result, error) {
	r.state = StateCompleted
	r.publish(core.EventRunCompleted, withContent(core.NewTextContent("assistant", output)))
	r.logger.Info("run.completed", "agent", r.agent.name, "run_id", r.runID,
		"model_calls", r.budget.Count(), "tool_calls", r.toolCalls, "duration_ms", time.Since(start).Milliseconds())

	if r.agent.memory != nil {
		meta := map[string]any{"agent": r.agent.name}
		if r.taskID != "" {
			meta["task_id"] = r.taskID
		}
		if err := r.agent.memory.Store(ctx, output, meta); err != nil {
			r.logger.Warn("memory.store.failed", "error", err.Error())
		}
	}

	return r.result(output, payload, start), nil
}

func (r *Runner) fail(start time.Time, err error) (*Result, error) {
	r.state = StateFailed
	taskErr := &core.TaskError{
		TaskID:       r.taskID,
		Agent:        r.agent.name,
		Err:          err,
		LastExchange: lastExchange(r.history),
	}
	r.publish(core.EventTaskFailed, withErr(taskErr))
	r.logger.Error("run.failed", "agent", r.agent.name, "run_id", r.runID, "error", err.Error())
	return r.result("", nil, start), taskErr
}

func (r *Runner) cancel(start time.Time, cause error) (*Result, error) {
	r.state = StateCancelled
	err := fmt.Errorf("%w: %v", core.ErrCancelled, cause)
	r.publish(core.EventRunCancelled, withErr(err))
	r.logger.Info("run.cancelled", "agent", r.agent.name, "run_id", r.runID)
	return r.result("", nil, start), &core.TaskError{
		TaskID:       r.taskID,
		Agent:        r.agent.name,
		Err:          err,
		LastExchange: lastExchange(r.history),
	}
}

func (r *Runner) result(output string, payload map[string]any, start time.Time) *Result {
	return &Result{
		Output:     output,
		Payload:    payload,
		State:      r.state,
		History:    r.history,
		Usage:      r.usage,
		ModelCalls: r.budget.Count(),
		ToolCalls:  r.toolCalls,
		Elapsed:    time.Since(start),
	}
}

// lastExchange returns up to the final two transcript entries for error
// diagnostics.
func lastExchange(history []core.Content) []core.Content {
	if len(history) > 2 {
		return history[len(history)-2:]
	}
	return history
}

// Event decoration helpers keep publish call sites compact.

type eventOpt func(*core.Event)

func withMeta(k string, v any) eventOpt {
	return func(e *core.Event) { *e = e.WithMeta(k, v) }
}

func withContent(c core.Content) eventOpt {
	return func(e *core.Event) { *e = e.WithContent(c) }
}

func withErr(err error) eventOpt {
	return func(e *core.Event) { *e = e.WithError(err) }
}

func (r *Runner) publish(kind core.EventKind, opts ...eventOpt) {
	if r.emit == nil {
		return
	}
	var ev core.Event
	if r.taskID != "" {
		ev = core.NewTaskEvent(r.runID, r.taskID, r.iter, kind)
		ev.Author = r.agent.name
	} else {
		ev = core.NewEvent(r.runID, r.agent.name, kind)
	}
	for _, opt := range opts {
		opt(&ev)
	}
	r.emit(ev)
}
