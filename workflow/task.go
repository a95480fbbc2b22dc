// Package workflow implements multi-agent orchestration: tasks bound to
// agents, a shared blackboard for inter-task data flow, and an engine that
// schedules tasks sequentially, under a delegating manager, or as a
// dependency graph with conditional routes, bounded loops and parallel
// fan-out.
package workflow

import (
	"time"

	"github.com/hupe1980/agentflow/guardrail"
	"github.com/hupe1980/agentflow/model"
)

// Status classifies how a task execution ended.
type Status string

// Task output statuses.
const (
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
	StatusNeedsRetry Status = "needs_retry"
	StatusSkipped    Status = "skipped"
)

// Task is a declarative unit of work addressed to an agent.
type Task struct {
	// ID uniquely names the task within its workflow.
	ID string

	// Description is the work order handed to the agent.
	Description string

	// ExpectedOutput describes the desired answer shape, appended to the
	// agent's system prompt.
	ExpectedOutput string

	// Agent names the agent that executes this task. Empty in hierarchical
	// workflows, where the manager assigns one at runtime.
	Agent string

	// Context lists task ids whose outputs are injected into this task's
	// conversation, in declaration order. In sequential workflows a nil
	// Context defaults to all previously completed tasks.
	Context []string

	// Routes maps conditions on this task's output to the next task id.
	// Route targets only run when their condition matches; a route back to
	// an earlier task forms a loop. The key "default" matches anything.
	Routes map[string]string

	// MaxVisits bounds how often a loop may re-execute this task. Zero
	// applies the engine default.
	MaxVisits int

	// Retries re-runs the task this many extra times when the agent
	// reports a retryable failure.
	Retries int

	// Guardrail overrides the executing agent's guardrail for this task.
	Guardrail guardrail.Guardrail

	// OutputFile, when non-empty, persists the task output to this path
	// (relative to the engine's output directory).
	OutputFile string
}

// Output is the published result of one task execution.
type Output struct {
	TaskID    string           `json:"task_id"`
	Iteration int              `json:"iteration"`
	Agent     string           `json:"agent"`
	Status    Status           `json:"status"`
	Content   string           `json:"content"`
	Payload   map[string]any   `json:"payload,omitempty"` // schema-validated JSON payload
	Error     string           `json:"error,omitempty"`
	Usage     model.TokenUsage `json:"usage"`
	Started   time.Time        `json:"started"`
	Finished  time.Time        `json:"finished"`
}

// OK reports whether the execution succeeded.
func (o Output) OK() bool { return o.Status == StatusSuccess }
