// Package tool implements the function / tool calling subsystem that lets
// agents invoke structured capabilities (APIs, computations, side effects)
// with schema validated arguments, consistent error handling and a uniform
// Outcome surface the rest of the framework consumes.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentflow/internal/util"
	"github.com/hupe1980/agentflow/logging"
)

// Tool defines the interface for extending agent capabilities with external
// functions.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be thread-safe if used concurrently
type Tool interface {
	// Name returns the unique identifier for this tool
	// (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool
	// does, provided to the LLM so it understands when to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format,
	// used for argument validation and LLM function calling.
	Parameters() map[string]interface{}

	// Call executes the tool with already-validated arguments. The Context
	// carries cancellation plus call correlation and workflow variable
	// access for tools that need it.
	Call(tc *Context, args map[string]interface{}) (interface{}, error)
}

// Vars abstracts workflow variable access offered to tool bodies. The
// workflow SharedContext satisfies this.
type Vars interface {
	GetVariable(name string) (any, bool)
	SetVariable(name string, value any)
}

// Context is the constrained surface a tool body receives. It embeds the
// cancellation context and exposes call correlation metadata.
type Context struct {
	context.Context

	CallID string // Function call id correlating request and outcome
	Agent  string // Issuing agent name
	TaskID string // Enclosing task id, empty outside workflows

	Vars   Vars // May be nil outside workflow runs
	Logger logging.Logger
}

// NewContext builds a tool context. A nil logger is replaced with a no-op.
func NewContext(ctx context.Context, callID, agent, taskID string, vars Vars, logger logging.Logger) *Context {
	return &Context{
		Context: ctx,
		CallID:  callID,
		Agent:   agent,
		TaskID:  taskID,
		Vars:    vars,
		Logger:  logging.OrNoOp(logger),
	}
}

// GetVariable reads a workflow variable; ok is false when no variable store
// is attached or the name is unset.
func (tc *Context) GetVariable(name string) (any, bool) {
	if tc.Vars == nil {
		return nil, false
	}
	return tc.Vars.GetVariable(name)
}

// SetVariable writes a workflow variable. No-op without a variable store.
func (tc *Context) SetVariable(name string, value any) {
	if tc.Vars != nil {
		tc.Vars.SetVariable(name, value)
	}
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ValidationErrors aggregates all violations from one validation pass.
type ValidationErrors = util.ValidationErrors

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string      `json:"tool"`              // Name of the tool that failed
	Message string      `json:"message"`           // Error message
	Code    string      `json:"code"`              // Error code for categorization
	Details interface{} `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
