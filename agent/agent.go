// Package agent implements the single-agent execution loop: a model-driven
// turn state machine with tool dispatch, bounded reflection, guardrail
// checked output and optional structured payloads. Agents are declarative
// bundles of model, instructions and capabilities; the Runner drives them.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/agentflow/approval"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/guardrail"
	"github.com/hupe1980/agentflow/internal/util"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/memory"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/tool"
)

// Options configures an Agent instance.
//
// Use functional options with New to override defaults.
type Options struct {
	// Description summarizes the agent's purpose. Surfaced to manager
	// agents when delegating work.
	Description string

	// Instruction is the system prompt, static or provider-backed.
	Instruction Instruction

	// Tools the agent may call during a run.
	Tools []tool.Tool

	// SensitiveTools names registered tools whose every invocation must
	// pass the approval gate before executing.
	SensitiveTools []string

	// Gate resolves approval requests for sensitive tools.
	Gate approval.Gate

	// Invoker overrides the internally constructed tool invoker. When set,
	// Tools, SensitiveTools, Gate and ToolTimeout are ignored.
	Invoker *tool.Invoker

	// Guardrail validates the final output before completion.
	Guardrail guardrail.Guardrail

	// OutputSchema, when non-nil, requires the final answer to be a JSON
	// object satisfying this schema. Validated before the guardrail runs.
	OutputSchema map[string]any

	// MaxRetries bounds corrective re-generation attempts per run. Schema
	// violations and guardrail rejections draw from this one budget.
	MaxRetries int

	// Reflection enables the self-critique loop between the last model
	// response and output validation. Nil disables reflection.
	Reflection *ReflectionConfig

	// Memory, when set, is searched before the first model call and the
	// final answer is stored back after completion.
	Memory memory.Store

	// MemoryRecall caps how many recalled records are injected.
	MemoryRecall int

	// MaxToolCalls bounds total tool invocations per run.
	MaxToolCalls int

	// MaxModelCalls bounds total model calls per run. Zero means unlimited.
	MaxModelCalls int

	// Throttle is the shared admission control placed in front of model
	// calls. Workflows inject one throttle across all member agents.
	Throttle *core.Throttle

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration

	// EnableStreaming requests chunked model responses. The runner still
	// aggregates the final message; chunks surface as trace events.
	EnableStreaming bool

	Logger logging.Logger
}

// Agent binds a language model to instructions, tools and output policies.
// It is immutable after construction and safe to share across concurrent
// runs; all per-run state lives in the Runner.
type Agent struct {
	name         string
	description  string
	llm          model.Model
	instruction  Instruction
	invoker      *tool.Invoker
	guardrail    guardrail.Guardrail
	outputSchema map[string]any
	maxRetries   int
	reflection   *ReflectionConfig
	memory       memory.Store
	memoryRecall int
	maxToolCalls int
	maxModel     int
	throttle     *core.Throttle
	streaming    bool
	logger       logging.Logger
}

// New creates an agent with sensible defaults: three corrective retries, a
// ten-call tool ceiling, a sixteen-call model budget and a 15 second tool
// timeout.
func New(name string, llm model.Model, optFns ...func(o *Options)) *Agent {
	opts := Options{
		Description:   fmt.Sprintf("Agent %s", name),
		Instruction:   NewInstructionFromText(fmt.Sprintf("You are %s, a helpful AI assistant.", name)),
		MaxRetries:    3,
		MemoryRecall:  5,
		MaxToolCalls:  10,
		MaxModelCalls: 16,
		ToolTimeout:   15 * time.Second,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := logging.OrNoOp(opts.Logger)

	inv := opts.Invoker
	if inv == nil {
		inv = tool.NewInvoker(func(o *tool.InvokerOptions) {
			o.Gate = opts.Gate
			o.Timeout = opts.ToolTimeout
			o.Logger = logger
		})
		for _, t := range opts.Tools {
			inv.Register(t)
		}
		for _, name := range opts.SensitiveTools {
			inv.MarkSensitive(name)
		}
	}

	return &Agent{
		name:         name,
		description:  opts.Description,
		llm:          llm,
		instruction:  opts.Instruction,
		invoker:      inv,
		guardrail:    opts.Guardrail,
		outputSchema: opts.OutputSchema,
		maxRetries:   opts.MaxRetries,
		reflection:   opts.Reflection,
		memory:       opts.Memory,
		memoryRecall: opts.MemoryRecall,
		maxToolCalls: opts.MaxToolCalls,
		maxModel:     opts.MaxModelCalls,
		throttle:     opts.Throttle,
		streaming:    opts.EnableStreaming,
		logger:       logger,
	}
}

// Name returns the agent's identifier.
func (a *Agent) Name() string { return a.name }

// Description returns the agent's purpose summary.
func (a *Agent) Description() string { return a.description }

// Invoker exposes the tool registry, e.g. for registering tools after
// construction.
func (a *Agent) Invoker() *tool.Invoker { return a.invoker }

// Run executes the agent once with default run options.
func (a *Agent) Run(ctx context.Context, input string) (*Result, error) {
	return NewRunner(a).Run(ctx, input)
}

// StreamResult delivers the final outcome of a streamed run.
type StreamResult struct {
	Result *Result
	Err    error
}

// Stream executes the agent in a goroutine, emitting trace events on the
// first channel. The second channel receives exactly one StreamResult when
// the run finishes; both channels are closed afterwards.
func (a *Agent) Stream(ctx context.Context, input string) (<-chan core.Event, <-chan StreamResult) {
	events := make(chan core.Event, 64)
	done := make(chan StreamResult, 1)

	r := NewRunner(a, func(o *RunnerOptions) {
		o.Emit = func(ev core.Event) {
			select {
			case events <- ev:
			default: // drop rather than stall the run on a slow consumer
			}
		}
	})

	go func() {
		defer close(events)
		defer close(done)
		res, err := r.Run(ctx, input)
		done <- StreamResult{Result: res, Err: err}
	}()

	return events, done
}

// OutputSchemaOf derives a JSON schema from a struct value for use as an
// agent's OutputSchema.
//
// Example:
//
//	type Report struct {
//	  Summary string `json:"summary" description:"One paragraph summary"`
//	  Score   int    `json:"score"`
//	}
//	schema := agent.OutputSchemaOf(Report{})
func OutputSchemaOf(v any) map[string]any {
	return util.CreateSchema(v)
}
