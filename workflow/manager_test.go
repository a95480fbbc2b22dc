package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentflow/model"
)

func TestParseAssignment(t *testing.T) {
	t.Run("plain json", func(t *testing.T) {
		decision, err := parseAssignment(`{"task_id": "triage", "agent": "Researcher", "reason": "needs sources"}`)
		assert.NoError(t, err)
		assert.Equal(t, "triage", decision.TaskID)
		assert.Equal(t, "Researcher", decision.Agent)
		assert.Equal(t, "needs sources", decision.Reason)
	})

	t.Run("fenced with prose", func(t *testing.T) {
		completion := "Here is my pick:\n```json\n{\"agent\": \"Writer\"}\n```\nLet me know."
		decision, err := parseAssignment(completion)
		assert.NoError(t, err)
		assert.Equal(t, "Writer", decision.Agent)
	})

	t.Run("no json object", func(t *testing.T) {
		_, err := parseAssignment("I would delegate this to the writer.")
		assert.Error(t, err)
	})

	t.Run("missing agent", func(t *testing.T) {
		_, err := parseAssignment(`{"task_id": "triage", "reason": "unsure"}`)
		assert.Error(t, err)
	})
}

func TestManager_Assign(t *testing.T) {
	llm := model.NewMockModel("manager", "mock")
	llm.EnqueueText(`{"agent": "Coder", "reason": "it is a code task"}`)

	m := NewManager(llm)
	team := []roster{
		{Name: "Coder", Description: "Writes code"},
		{Name: "Writer", Description: "Writes prose"},
	}

	decision, err := m.Assign(context.Background(), &Task{ID: "impl", Description: "implement the parser"}, team)

	assert.NoError(t, err)
	assert.Equal(t, "Coder", decision.Agent)
	// The task id is filled in when the model omits it.
	assert.Equal(t, "impl", decision.TaskID)
}

func TestManager_AssignUnknownAgent(t *testing.T) {
	llm := model.NewMockModel("manager", "mock")
	llm.EnqueueText(`{"agent": "Ghost"}`)

	m := NewManager(llm)
	team := []roster{{Name: "Coder", Description: "Writes code"}}

	_, err := m.Assign(context.Background(), &Task{ID: "impl", Description: "implement the parser"}, team)

	assert.ErrorContains(t, err, "unknown agent")
}
