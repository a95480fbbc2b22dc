package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/tool"
)

const definitionYAML = `
name: research
variables:
  topic: Go generics
agents:
  - name: researcher
    description: Finds and summarizes sources
    instructions: You are a thorough researcher.
  - name: writer
    description: Writes the report
tasks:
  - id: research
    agent: researcher
    description: Research the topic {{.topic}}.
    expected_output: A bullet list of findings.
  - id: report
    agent: writer
    description: Write a report from the findings.
    context: [research]
`

func TestLoadDefinition(t *testing.T) {
	def, err := LoadDefinition(strings.NewReader(definitionYAML))

	assert.NoError(t, err)
	assert.Equal(t, "research", def.Name)
	assert.Equal(t, ProcessSequential, def.Process) // default when omitted
	assert.Equal(t, "Go generics", def.Variables["topic"])
	assert.Len(t, def.Agents, 2)
	assert.Len(t, def.Tasks, 2)
	assert.Equal(t, []string{"research"}, def.Tasks[1].Context)
}

func TestLoadDefinition_NoTasks(t *testing.T) {
	_, err := LoadDefinition(strings.NewReader("name: empty\nagents: []\n"))
	assert.ErrorContains(t, err, "no tasks")
}

func TestDefinition_Build(t *testing.T) {
	def, err := LoadDefinition(strings.NewReader(definitionYAML))
	assert.NoError(t, err)

	var models []*model.MockModel
	modelFor := func(name string) (model.Model, error) {
		llm := model.NewMockModel("mock", "mock")
		llm.EnqueueText("mock output")
		models = append(models, llm)
		return llm, nil
	}

	engine, err := def.Build(modelFor, nil)
	assert.NoError(t, err)

	result, err := engine.Run(context.Background())

	assert.NoError(t, err)
	assert.Len(t, result.Outputs, 2)
	assert.Equal(t, StatusSuccess, result.Outputs["research"].Status)
	assert.Equal(t, StatusSuccess, result.Outputs["report"].Status)
	// Each declared agent got its own model from the resolver.
	assert.Len(t, models, 2)
	for _, llm := range models {
		assert.Equal(t, 1, llm.Calls())
	}
}

func TestDefinition_BuildRequiresModelResolver(t *testing.T) {
	def, err := LoadDefinition(strings.NewReader(definitionYAML))
	assert.NoError(t, err)

	_, err = def.Build(nil, nil)
	assert.ErrorContains(t, err, "model resolver is required")
}

func TestDefinition_BuildWithTools(t *testing.T) {
	yamlWithTools := strings.Replace(definitionYAML,
		"instructions: You are a thorough researcher.",
		"instructions: You are a thorough researcher.\n    tools: [search]", 1)

	def, err := LoadDefinition(strings.NewReader(yamlWithTools))
	assert.NoError(t, err)

	modelFor := func(name string) (model.Model, error) {
		llm := model.NewMockModel("mock", "mock")
		llm.EnqueueText("done")
		return llm, nil
	}

	t.Run("resolved", func(t *testing.T) {
		toolFor := func(name string) (tool.Tool, error) {
			return tool.NewFunctionTool(name, "stub "+name, map[string]any{"type": "object"},
				func(tc *tool.Context, args map[string]any) (any, error) { return "ok", nil }), nil
		}
		_, err := def.Build(modelFor, toolFor)
		assert.NoError(t, err)
	})

	t.Run("missing resolver", func(t *testing.T) {
		_, err := def.Build(modelFor, nil)
		assert.ErrorContains(t, err, "no tool resolver")
	})
}
