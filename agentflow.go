// Package agentflow provides a high-level façade over the agent runner and
// the workflow engine for rapid construction of multi-agent systems. Most
// applications interact with this package by:
//  1. Creating an AgentFlow via New() (optionally overriding defaults)
//  2. Registering one or more agents with their models, tools and policies
//  3. Adding tasks and running them as a sequential, hierarchical or graph
//     workflow — or running a single agent directly
//
// The façade delegates orchestration to workflow.Engine while keeping setup
// ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply a structured logger and
// an approval gate wired to a real review surface.
package agentflow

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentflow/agent"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/workflow"
)

// Options configures the AgentFlow instance.
type Options struct {
	// Process selects the workflow scheduling strategy.
	Process workflow.Process

	// Variables seed the shared blackboard and instruction templates.
	Variables map[string]any

	// Manager assigns agents to unbound tasks in hierarchical workflows.
	Manager *workflow.Manager

	// CallsPerSecond rate-limits model calls across all member agents.
	// Zero disables throttling.
	CallsPerSecond float64

	// Burst is the throttle's burst capacity; ignored without a rate.
	Burst int

	// ContinueOnError keeps scheduling independent tasks after a failure
	// instead of aborting the run.
	ContinueOnError bool

	// OutputDir prefixes task output file paths.
	OutputDir string

	// Logger defaults to a no-op logger if nil.
	Logger logging.Logger
}

// AgentFlow is the high-level façade aggregating agents and the workflow
// engine.
type AgentFlow struct {
	opts   Options
	engine *workflow.Engine
	agents map[string]*agent.Agent
}

// New creates a new AgentFlow instance with optional overrides.
func New(optFns ...func(o *Options)) *AgentFlow {
	opts := Options{
		Process: workflow.ProcessSequential,
		Logger:  logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	var throttle *core.Throttle
	if opts.CallsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		throttle = core.NewThrottle(opts.CallsPerSecond, burst)
	}

	engine := workflow.NewEngine(func(o *workflow.EngineOptions) {
		o.Process = opts.Process
		o.Variables = opts.Variables
		o.Manager = opts.Manager
		o.Throttle = throttle
		o.ContinueOnError = opts.ContinueOnError
		o.OutputDir = opts.OutputDir
		o.Logger = opts.Logger
	})

	return &AgentFlow{
		opts:   opts,
		engine: engine,
		agents: map[string]*agent.Agent{},
	}
}

// RegisterAgent adds an agent to the roster.
func (f *AgentFlow) RegisterAgent(a *agent.Agent) error {
	if err := f.engine.RegisterAgent(a); err != nil {
		return err
	}
	f.agents[a.Name()] = a
	return nil
}

// AddTask appends a task to the workflow.
func (f *AgentFlow) AddTask(t *workflow.Task) error {
	return f.engine.AddTask(t)
}

// Run executes the configured workflow to completion.
func (f *AgentFlow) Run(ctx context.Context) (*workflow.RunResult, error) {
	return f.engine.Run(ctx)
}

// Stream executes the workflow asynchronously, returning the trace event
// channel and a single-element result channel.
func (f *AgentFlow) Stream(ctx context.Context) (<-chan core.Event, <-chan workflow.StreamResult) {
	return f.engine.Stream(ctx)
}

// RunAgent executes a single registered agent outside any workflow.
func (f *AgentFlow) RunAgent(ctx context.Context, name, input string) (*agent.Result, error) {
	a, ok := f.agents[name]
	if !ok {
		return nil, fmt.Errorf("agent %q not registered", name)
	}
	return a.Run(ctx, input)
}
