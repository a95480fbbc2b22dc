package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentflow/agent"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/util"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/model"
)

// Process selects the engine's scheduling strategy.
type Process string

// Scheduling strategies.
const (
	// ProcessSequential runs tasks one after another in declaration order.
	ProcessSequential Process = "sequential"
	// ProcessHierarchical runs tasks in order but lets a manager model
	// assign agents to tasks without a static binding.
	ProcessHierarchical Process = "hierarchical"
	// ProcessGraph schedules by dependency readiness: independent ready
	// tasks fan out in parallel, condition routes steer control flow and
	// may form bounded loops.
	ProcessGraph Process = "graph"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	Process Process
	// Variables seed the shared blackboard.
	Variables map[string]any
	// Manager assigns agents in hierarchical workflows.
	Manager *Manager
	// Throttle is shared by all member agents of a run.
	Throttle *core.Throttle
	// ContinueOnError records a failed task and keeps scheduling tasks
	// that do not depend on it, instead of aborting the run.
	ContinueOnError bool
	// MaxDepth bounds total task executions per run, the last defense
	// against runaway loops.
	MaxDepth int
	// DefaultMaxVisits bounds loop re-execution for tasks that do not set
	// their own MaxVisits.
	DefaultMaxVisits int
	// OutputDir prefixes task OutputFile paths.
	OutputDir string

	Logger logging.Logger
}

// Engine orchestrates a set of tasks across registered agents. Configure it
// once, then Run or Stream; an Engine is safe for repeated runs but not for
// concurrent ones.
type Engine struct {
	process    Process
	variables  map[string]any
	manager    *Manager
	throttle   *core.Throttle
	continueOn bool
	maxDepth   int
	maxVisits  int
	outputDir  string
	logger     logging.Logger

	agents     map[string]*agent.Agent
	agentOrder []string
	tasks      []*Task
	byID       map[string]*Task
}

// NewEngine creates an engine. Defaults: sequential process, 50 execution
// depth guard, 5 visits per looped task.
func NewEngine(optFns ...func(o *EngineOptions)) *Engine {
	opts := EngineOptions{
		Process:          ProcessSequential,
		MaxDepth:         50,
		DefaultMaxVisits: 5,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Engine{
		process:    opts.Process,
		variables:  opts.Variables,
		manager:    opts.Manager,
		throttle:   opts.Throttle,
		continueOn: opts.ContinueOnError,
		maxDepth:   opts.MaxDepth,
		maxVisits:  opts.DefaultMaxVisits,
		outputDir:  opts.OutputDir,
		logger:     logging.OrNoOp(opts.Logger),
		agents:     map[string]*agent.Agent{},
		byID:       map[string]*Task{},
	}
}

// RegisterAgent adds an agent to the roster.
func (e *Engine) RegisterAgent(a *agent.Agent) error {
	if _, exists := e.agents[a.Name()]; exists {
		return fmt.Errorf("agent %q already registered", a.Name())
	}
	e.agents[a.Name()] = a
	e.agentOrder = append(e.agentOrder, a.Name())
	return nil
}

// AddTask appends a task to the workflow.
func (e *Engine) AddTask(t *Task) error {
	if t.ID == "" {
		return errors.New("task id must not be empty")
	}
	if _, exists := e.byID[t.ID]; exists {
		return fmt.Errorf("task %q already added", t.ID)
	}
	e.tasks = append(e.tasks, t)
	e.byID[t.ID] = t
	return nil
}

// RunResult is the aggregate outcome of one workflow run.
type RunResult struct {
	RunID string
	// Outputs holds the latest output per task id, including skipped tasks.
	Outputs map[string]Output
	Usage   model.TokenUsage
	// Trace is the complete ordered event log of the run.
	Trace []core.Event
}

// Run executes the workflow to completion.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	return e.run(ctx, nil)
}

// StreamResult delivers the final outcome of a streamed workflow run.
type StreamResult struct {
	Result *RunResult
	Err    error
}

// Stream executes the workflow in a goroutine, emitting trace events on the
// first channel. The second channel receives exactly one StreamResult.
func (e *Engine) Stream(ctx context.Context) (<-chan core.Event, <-chan StreamResult) {
	events := make(chan core.Event, 256)
	done := make(chan StreamResult, 1)

	go func() {
		defer close(events)
		defer close(done)
		res, err := e.run(ctx, func(ev core.Event) {
			select {
			case events <- ev:
			default: // full consumer must not stall the run; trace keeps everything
			}
		})
		done <- StreamResult{Result: res, Err: err}
	}()

	return events, done
}

func (e *Engine) run(ctx context.Context, forward func(core.Event)) (*RunResult, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	runID := core.NewID()
	shared := NewSharedContext(e.variables)

	emit := func(ev core.Event) {
		shared.AppendTrace(ev)
		if forward != nil {
			forward(ev)
		}
	}

	emit(core.NewEvent(runID, "engine", core.EventRunStarted))
	e.logger.Info("workflow.start", "run_id", runID, "process", string(e.process), "tasks", len(e.tasks))

	s := &schedule{
		engine:   e,
		runID:    runID,
		shared:   shared,
		emit:     emit,
		visits:   map[string]int{},
		done:     map[string]bool{},
		failed:   map[string]bool{},
		active:   map[string]bool{},
		targets:  e.routeTargets(),
		assigned: map[string]string{},
	}

	var runErr error
	switch e.process {
	case ProcessGraph:
		runErr = s.runGraph(ctx)
	default:
		runErr = s.runOrdered(ctx)
	}

	s.recordSkipped()

	result := &RunResult{
		RunID:   runID,
		Outputs: shared.Outputs(),
		Usage:   s.usage,
		Trace:   shared.Trace(),
	}

	if runErr != nil {
		if errors.Is(runErr, core.ErrCancelled) || ctx.Err() != nil {
			emit(core.NewEvent(runID, "engine", core.EventRunCancelled).WithError(runErr))
		}
		e.logger.Error("workflow.failed", "run_id", runID, "error", runErr.Error())
		return result, runErr
	}

	emit(core.NewEvent(runID, "engine", core.EventRunCompleted))
	e.logger.Info("workflow.completed", "run_id", runID, "tasks", len(result.Outputs))
	return result, nil
}

// validate fails fast on structural defects before any task is dispatched:
// unknown dependencies, unknown agents and static dependency cycles.
func (e *Engine) validate() error {
	if len(e.tasks) == 0 {
		return errors.New("workflow has no tasks")
	}

	for _, t := range e.tasks {
		for _, dep := range t.Context {
			if _, ok := e.byID[dep]; !ok {
				return fmt.Errorf("%w: task %q references unknown task %q", core.ErrUnresolvedDependency, t.ID, dep)
			}
		}
		for cond, next := range t.Routes {
			if _, ok := e.byID[next]; !ok {
				return fmt.Errorf("%w: route %q of task %q targets unknown task %q", core.ErrUnresolvedDependency, cond, t.ID, next)
			}
		}
		if t.Agent != "" {
			if _, ok := e.agents[t.Agent]; !ok {
				return fmt.Errorf("task %q bound to unknown agent %q", t.ID, t.Agent)
			}
		} else if e.process != ProcessHierarchical {
			return fmt.Errorf("task %q has no agent; only hierarchical workflows assign dynamically", t.ID)
		}
	}

	if e.process == ProcessHierarchical && e.hasUnboundTasks() && e.manager == nil {
		return errors.New("hierarchical workflow with unbound tasks requires a manager")
	}

	return e.detectCycle()
}

func (e *Engine) hasUnboundTasks() bool {
	for _, t := range e.tasks {
		if t.Agent == "" {
			return true
		}
	}
	return false
}

// detectCycle runs Kahn's algorithm over the static dependency edges.
// Condition routes are dynamic control flow and intentionally excluded;
// loops are legal only through them.
func (e *Engine) detectCycle() error {
	indegree := make(map[string]int, len(e.tasks))
	dependents := make(map[string][]string, len(e.tasks))

	for _, t := range e.tasks {
		indegree[t.ID] += 0
		for _, dep := range t.Context {
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	queue := make([]string, 0, len(e.tasks))
	for _, t := range e.tasks {
		if indegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(e.tasks) {
		var cyclic []string
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return fmt.Errorf("%w: tasks %v", core.ErrDependencyCycle, cyclic)
	}
	return nil
}

// routeTargets collects task ids reachable only through a matched route.
// Self-loops are excluded: a task routing back to itself still runs on its
// own the first time.
func (e *Engine) routeTargets() map[string]bool {
	targets := map[string]bool{}
	for _, t := range e.tasks {
		for _, next := range t.Routes {
			if next != t.ID {
				targets[next] = true
			}
		}
	}
	return targets
}

func (e *Engine) taskMaxVisits(t *Task) int {
	if t.MaxVisits > 0 {
		return t.MaxVisits
	}
	return e.maxVisits
}

// schedule holds the mutable state of one run. A mutex guards the maps and
// counters because graph rounds execute tasks concurrently; readiness scans
// happen between rounds, after the errgroup join.
type schedule struct {
	engine *Engine
	runID  string
	shared *SharedContext
	emit   func(core.Event)

	mu       sync.Mutex
	visits   map[string]int  // executions per task id
	done     map[string]bool // reached a terminal status
	failed   map[string]bool // terminal status was error
	active   map[string]bool // route targets activated by a matched route
	targets  map[string]bool
	assigned map[string]string // manager assignments per task id
	usage    model.TokenUsage
	executed int
}

// begin reserves one execution slot for the task, returning its iteration
// number, or an error when the depth guard trips.
func (s *schedule) begin(t *Task) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executed++
	if s.executed > s.engine.maxDepth {
		return 0, fmt.Errorf("%w: %d task executions exceed limit %d", core.ErrDepthLimitExceeded, s.executed, s.engine.maxDepth)
	}

	iteration := s.visits[t.ID]
	s.visits[t.ID]++
	s.active[t.ID] = false
	return iteration, nil
}

// settle records the terminal status of a task execution.
func (s *schedule) settle(t *Task, out Output) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.done[t.ID] = true
	s.failed[t.ID] = !out.OK()
	s.usage.Add(&out.Usage)
}

// runOrdered drives sequential and hierarchical workflows: declaration
// order, one task at a time.
func (s *schedule) runOrdered(ctx context.Context) error {
	for _, t := range s.engine.tasks {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", core.ErrCancelled, err)
		}
		if s.skipForFailedDeps(t) {
			continue
		}

		if err := s.runTask(ctx, t); err != nil {
			if !s.engine.continueOn {
				return err
			}
		}
	}
	return nil
}

// runGraph drives graph workflows: rounds of dependency-ready tasks fan out
// in parallel, then matched routes activate (or re-activate) their targets.
func (s *schedule) runGraph(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", core.ErrCancelled, err)
		}

		ready := s.readyTasks()
		if len(ready) == 0 {
			return nil
		}

		var firstErr error
		if len(ready) == 1 {
			firstErr = s.runTask(ctx, ready[0])
		} else {
			errs := make([]error, len(ready))
			g, gctx := errgroup.WithContext(ctx)
			for i, t := range ready {
				g.Go(func() error {
					errs[i] = s.runTask(gctx, t)
					return nil
				})
			}
			_ = g.Wait()
			for _, err := range errs {
				if err != nil {
					firstErr = err
					break
				}
			}
		}

		if firstErr != nil && !s.engine.continueOn {
			return firstErr
		}
	}
}

// readyTasks returns all tasks eligible to run this round.
func (s *schedule) readyTasks() []*Task {
	var ready []*Task
	for _, t := range s.engine.tasks {
		if s.done[t.ID] && !s.active[t.ID] {
			continue
		}
		if s.targets[t.ID] && !s.active[t.ID] {
			continue // waits for a matched route
		}
		if s.visits[t.ID] >= s.engine.taskMaxVisits(t) {
			continue
		}
		if !s.depsSatisfied(t) {
			continue
		}
		ready = append(ready, t)
	}
	return ready
}

func (s *schedule) depsSatisfied(t *Task) bool {
	for _, dep := range t.Context {
		out, ok := s.shared.Get(dep)
		if !ok || !out.OK() {
			return false
		}
	}
	return true
}

// skipForFailedDeps reports whether an ordered-mode task must be skipped
// because a dependency failed under the continue-on-error policy.
func (s *schedule) skipForFailedDeps(t *Task) bool {
	for _, dep := range t.Context {
		if s.failed[dep] {
			return true
		}
	}
	return false
}

// runTask executes one task once, publishes its output and evaluates routes.
func (s *schedule) runTask(ctx context.Context, t *Task) error {
	iteration, err := s.begin(t)
	if err != nil {
		return err
	}

	a, err := s.resolveAgent(ctx, t)
	if err != nil {
		return err
	}

	s.emit(core.NewTaskEvent(s.runID, t.ID, iteration, core.EventTaskStarted).WithMeta("agent", a.Name()))

	out, runErr := s.execute(ctx, t, a, iteration)

	// Retryable failures re-run the task under fresh iterations before the
	// output becomes terminal.
	for attempt := 0; out.Status == StatusNeedsRetry && attempt < t.Retries; attempt++ {
		if err := s.publish(out); err != nil {
			return err
		}
		iteration, err = s.begin(t)
		if err != nil {
			return err
		}
		out, runErr = s.execute(ctx, t, a, iteration)
	}
	if out.Status == StatusNeedsRetry {
		out.Status = StatusError
	}

	if err := s.publish(out); err != nil {
		return err
	}

	s.settle(t, out)

	if out.OK() {
		if err := s.writeOutputFile(t, out); err != nil {
			return err
		}
		s.evaluateRoutes(t, out)
		return nil
	}

	return runErr
}

func (s *schedule) resolveAgent(ctx context.Context, t *Task) (*agent.Agent, error) {
	name := t.Agent
	if name == "" {
		s.mu.Lock()
		name = s.assigned[t.ID]
		s.mu.Unlock()
	}
	if name == "" {
		var team []roster
		for _, n := range s.engine.agentOrder {
			team = append(team, roster{Name: n, Description: s.engine.agents[n].Description()})
		}
		decision, err := s.engine.manager.Assign(ctx, t, team)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.assigned[t.ID] = decision.Agent
		s.mu.Unlock()
		s.engine.logger.Info("workflow.assigned", "task", t.ID, "agent", decision.Agent, "reason", decision.Reason)
		name = decision.Agent
	}
	return s.engine.agents[name], nil
}

// execute performs one agent run for the task and converts the result into
// an Output. Transport-level failures come back as needs_retry so the task
// retry policy can apply; everything else terminal is an error output.
func (s *schedule) execute(ctx context.Context, t *Task, a *agent.Agent, iteration int) (Output, error) {
	started := time.Now()

	vars := s.shared.Variables()
	description, err := util.RenderTemplate(t.Description, vars)
	if err != nil {
		return s.errorOutput(t, a, iteration, started, err), err
	}
	expected, err := util.RenderTemplate(t.ExpectedOutput, vars)
	if err != nil {
		return s.errorOutput(t, a, iteration, started, err), err
	}

	r := agent.NewRunner(a, func(o *agent.RunnerOptions) {
		o.RunID = s.runID
		o.TaskID = t.ID
		o.Iteration = iteration
		o.Vars = s.shared
		o.Variables = vars
		o.ContextInputs = s.contextInputs(t)
		o.ExpectedOutput = expected
		o.Emit = s.emit
		o.Throttle = s.engine.throttle
		if t.Guardrail != nil {
			o.Guardrail = t.Guardrail
		}
		o.Logger = s.engine.logger
	})

	res, runErr := r.Run(ctx, description)

	out := Output{
		TaskID:    t.ID,
		Iteration: iteration,
		Agent:     a.Name(),
		Started:   started,
		Finished:  time.Now(),
	}
	if res != nil {
		out.Usage = res.Usage
	}

	if runErr != nil {
		out.Error = runErr.Error()
		if model.IsTransport(runErr) {
			out.Status = StatusNeedsRetry
		} else {
			out.Status = StatusError
		}
		return out, runErr
	}

	out.Status = StatusSuccess
	out.Content = res.Output
	out.Payload = res.Payload
	return out, nil
}

func (s *schedule) errorOutput(t *Task, a *agent.Agent, iteration int, started time.Time, err error) Output {
	return Output{
		TaskID:    t.ID,
		Iteration: iteration,
		Agent:     a.Name(),
		Status:    StatusError,
		Error:     err.Error(),
		Started:   started,
		Finished:  time.Now(),
	}
}

func (s *schedule) publish(out Output) error {
	if err := s.shared.Publish(out); err != nil {
		return err
	}
	s.emit(core.NewTaskEvent(s.runID, out.TaskID, out.Iteration, core.EventTaskPublished).
		WithMeta("status", string(out.Status)).
		WithMeta("agent", out.Agent))
	return nil
}

// contextInputs assembles the dependency outputs injected ahead of the task
// input. Sequential workflows without explicit context receive every prior
// completed task.
func (s *schedule) contextInputs(t *Task) []core.Content {
	deps := t.Context
	if deps == nil && s.engine.process != ProcessGraph {
		for _, prior := range s.engine.tasks {
			if prior.ID == t.ID {
				break
			}
			if s.done[prior.ID] && !s.failed[prior.ID] {
				deps = append(deps, prior.ID)
			}
		}
	}

	var inputs []core.Content
	for _, dep := range deps {
		out, ok := s.shared.Get(dep)
		if !ok || !out.OK() {
			continue
		}
		inputs = append(inputs, core.NewTextContent("user",
			fmt.Sprintf("Output of task %q:\n%s", dep, out.Content)))
	}
	return inputs
}

// evaluateRoutes activates the route target matched by the task output.
// Graph mode only; ordered workflows keep their declared order.
func (s *schedule) evaluateRoutes(t *Task, out Output) {
	if s.engine.process != ProcessGraph || len(t.Routes) == 0 {
		return
	}

	next, ok := matchRoute(t.Routes, out.Content)
	if !ok {
		return
	}

	s.mu.Lock()
	s.active[next] = true
	s.mu.Unlock()
	s.engine.logger.Debug("workflow.route", "from", t.ID, "to", next)
}

// recordSkipped publishes a skipped output for every task that never ran,
// so RunResult.Outputs is complete.
func (s *schedule) recordSkipped() {
	for _, t := range s.engine.tasks {
		if s.visits[t.ID] > 0 {
			continue
		}
		reason := "not scheduled"
		switch {
		case s.targets[t.ID]:
			reason = "route not taken"
		case s.skipForFailedDeps(t):
			reason = "dependency failed"
		}
		_ = s.shared.Publish(Output{
			TaskID:   t.ID,
			Agent:    t.Agent,
			Status:   StatusSkipped,
			Error:    reason,
			Started:  time.Now(),
			Finished: time.Now(),
		})
	}
}

func (s *schedule) writeOutputFile(t *Task, out Output) error {
	if t.OutputFile == "" {
		return nil
	}

	path := t.OutputFile
	if s.engine.outputDir != "" {
		path = filepath.Join(s.engine.outputDir, path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir for task %q: %w", t.ID, err)
		}
	}
	if err := os.WriteFile(path, []byte(out.Content), 0o644); err != nil {
		return fmt.Errorf("write output of task %q: %w", t.ID, err)
	}

	s.engine.logger.Info("workflow.output_file", "task", t.ID, "path", path)
	return nil
}
