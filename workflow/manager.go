package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/model"
)

// AssignmentDecision is the manager's verdict on who runs a task.
type AssignmentDecision struct {
	TaskID string `json:"task_id"`
	Agent  string `json:"agent"`
	Reason string `json:"reason,omitempty"`
}

// Manager delegates task assignment to a model: given the task at hand and
// the agent roster, the manager model picks the best-suited agent. Used by
// hierarchical workflows for tasks without a static agent binding.
type Manager struct {
	llm          model.Model
	instructions string
}

const defaultManagerInstructions = `You are a project manager delegating work to a team of specialist agents.
Given a task and the team roster, pick the single best-suited agent.
Reply with a JSON object only: {"task_id": "...", "agent": "...", "reason": "..."}`

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Instructions override the default delegation prompt.
	Instructions string
}

// NewManager creates a delegating manager backed by llm.
func NewManager(llm model.Model, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{Instructions: defaultManagerInstructions}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{llm: llm, instructions: opts.Instructions}
}

// roster describes one assignable agent to the manager model.
type roster struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Assign asks the manager model to pick an agent for the task. The decision
// is validated against the roster; an assignment to an unknown agent is an
// error rather than a silent fallback.
func (m *Manager) Assign(ctx context.Context, task *Task, agents []roster) (AssignmentDecision, error) {
	rosterJSON, err := json.MarshalIndent(agents, "", "  ")
	if err != nil {
		return AssignmentDecision{}, err
	}

	prompt := fmt.Sprintf("Task %q:\n%s\n\nTeam roster:\n%s", task.ID, task.Description, rosterJSON)

	respCh, errCh := m.llm.Generate(ctx, model.Request{
		Instructions: m.instructions,
		Contents:     []core.Content{core.NewTextContent("user", prompt)},
	})

	var completion string
	for respCh != nil || errCh != nil {
		select {
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if !resp.Partial {
				completion = resp.Content.Text()
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return AssignmentDecision{}, fmt.Errorf("manager: %w", err)
			}
		case <-ctx.Done():
			return AssignmentDecision{}, ctx.Err()
		}
	}

	decision, err := parseAssignment(completion)
	if err != nil {
		return AssignmentDecision{}, fmt.Errorf("manager decision for task %q: %w", task.ID, err)
	}
	if decision.TaskID == "" {
		decision.TaskID = task.ID
	}

	for _, a := range agents {
		if a.Name == decision.Agent {
			return decision, nil
		}
	}
	return AssignmentDecision{}, fmt.Errorf("manager assigned task %q to unknown agent %q", task.ID, decision.Agent)
}

// parseAssignment extracts the decision JSON from the manager completion,
// tolerating surrounding prose and markdown fences.
func parseAssignment(completion string) (AssignmentDecision, error) {
	trimmed := strings.TrimSpace(completion)

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return AssignmentDecision{}, fmt.Errorf("no JSON object in completion %q", trimmed)
	}

	var decision AssignmentDecision
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &decision); err != nil {
		return AssignmentDecision{}, err
	}
	if decision.Agent == "" {
		return AssignmentDecision{}, fmt.Errorf("decision names no agent: %q", trimmed)
	}
	return decision, nil
}
