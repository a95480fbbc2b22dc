package core

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the terminal error taxonomy of a run. Callers are
// expected to classify failures via errors.Is rather than string matching.
// Tool-level execution failures are deliberately absent: they are absorbed
// into the conversation as feedback and never surface as terminal errors.
var (
	// ErrToolNotFound is returned when a requested tool name resolves to no
	// registered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidArguments is returned when tool arguments violate the
	// declared parameter schema. The underlying callable is never invoked.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrToolLoopExceeded is returned when a single turn exceeds its
	// tool-call budget.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")
	// ErrGuardrailExceeded is returned when a guardrail keeps rejecting and
	// the retry ceiling is reached.
	ErrGuardrailExceeded = errors.New("guardrail retries exceeded")
	// ErrSchemaValidation is returned when a declared output schema keeps
	// rejecting the structured payload past the retry ceiling.
	ErrSchemaValidation = errors.New("output schema validation failed")
	// ErrApprovalDenied is returned when an approval gate denies a sensitive
	// tool call.
	ErrApprovalDenied = errors.New("approval denied")
	// ErrApprovalTimeout is returned when an approval decision does not
	// arrive within the configured window; the pending call is treated as
	// denied.
	ErrApprovalTimeout = errors.New("approval timed out")
	// ErrUnresolvedDependency is returned when a task can never become ready
	// because a dependency produced no output.
	ErrUnresolvedDependency = errors.New("unresolved task dependency")
	// ErrDependencyCycle is returned when static context dependencies form a
	// cycle outside an explicit loop construct.
	ErrDependencyCycle = errors.New("task dependency cycle")
	// ErrDepthLimitExceeded is returned when nested workflow constructs
	// exceed the recursion depth guard.
	ErrDepthLimitExceeded = errors.New("construct depth limit exceeded")
	// ErrDuplicatePublish is returned when a task output is published twice
	// for the same (task id, iteration).
	ErrDuplicatePublish = errors.New("duplicate task output publish")
	// ErrModelCallsExceeded is returned when a run exhausts its model call
	// budget.
	ErrModelCallsExceeded = errors.New("model call budget exceeded")
	// ErrCancelled marks a run terminated by cooperative cancellation.
	ErrCancelled = errors.New("run cancelled")
)

// TaskError attaches a terminal error to the task that produced it, keeping
// enough context for a multi-task run to report partial success.
type TaskError struct {
	TaskID string
	Agent  string
	Err    error
	// LastExchange holds the final model/tool contents that led to the
	// failure, for diagnostics.
	LastExchange []Content
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("task %s (agent %s): %v", e.TaskID, e.Agent, e.Err)
	}
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

// Unwrap exposes the underlying sentinel for errors.Is classification.
func (e *TaskError) Unwrap() error { return e.Err }
