package workflow

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentflow/agent"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/tool"
)

// Definition is the declarative YAML form of a workflow.
//
// Example:
//
//	name: research
//	process: sequential
//	variables:
//	  topic: Go generics
//	agents:
//	  - name: researcher
//	    description: Finds and summarizes sources
//	    instructions: You are a thorough researcher. Topic focus {{.topic}}.
//	tasks:
//	  - id: research
//	    agent: researcher
//	    description: Research the topic {{.topic}}.
//	    expected_output: A bullet list of findings.
//	  - id: report
//	    agent: writer
//	    description: Write a report from the findings.
//	    context: [research]
//	    output_file: report.md
type Definition struct {
	Name      string            `yaml:"name"`
	Process   Process           `yaml:"process"`
	Variables map[string]any    `yaml:"variables"`
	Agents    []AgentDefinition `yaml:"agents"`
	Tasks     []TaskDefinition  `yaml:"tasks"`
}

// AgentDefinition declares an agent in a workflow file.
type AgentDefinition struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Instructions string   `yaml:"instructions"`
	Model        string   `yaml:"model"` // provider model name; resolved by the model factory
	MaxRetries   int      `yaml:"max_retries"`
	Tools        []string `yaml:"tools"`
	Sensitive    []string `yaml:"sensitive_tools"`
}

// TaskDefinition declares a task in a workflow file.
type TaskDefinition struct {
	ID             string            `yaml:"id"`
	Agent          string            `yaml:"agent"`
	Description    string            `yaml:"description"`
	ExpectedOutput string            `yaml:"expected_output"`
	Context        []string          `yaml:"context"`
	Routes         map[string]string `yaml:"routes"`
	MaxVisits      int               `yaml:"max_visits"`
	Retries        int               `yaml:"retries"`
	OutputFile     string            `yaml:"output_file"`
}

// LoadDefinition parses a workflow definition from a reader.
func LoadDefinition(r io.Reader) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	if def.Process == "" {
		def.Process = ProcessSequential
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("workflow %q defines no tasks", def.Name)
	}
	return &def, nil
}

// LoadDefinitionFile parses a workflow definition from a YAML file.
func LoadDefinitionFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return LoadDefinition(f)
}

// ModelResolver maps a declared model name to a model implementation. The
// empty name requests the default model.
type ModelResolver func(name string) (model.Model, error)

// ToolResolver maps a declared tool name to a tool implementation.
type ToolResolver func(name string) (tool.Tool, error)

// Build materializes an engine from the definition: agents are constructed
// with their declared instructions, models and tools, and the engine is
// populated with every task. toolFor may be nil when no agent declares
// tools.
func (d *Definition) Build(modelFor ModelResolver, toolFor ToolResolver, optFns ...func(o *EngineOptions)) (*Engine, error) {
	if modelFor == nil {
		return nil, fmt.Errorf("workflow %q: model resolver is required", d.Name)
	}

	fns := append([]func(o *EngineOptions){func(o *EngineOptions) {
		o.Process = d.Process
		o.Variables = d.Variables
	}}, optFns...)

	engine := NewEngine(fns...)

	for _, ad := range d.Agents {
		llm, err := modelFor(ad.Model)
		if err != nil {
			return nil, fmt.Errorf("workflow %q agent %q: %w", d.Name, ad.Name, err)
		}

		var tools []tool.Tool
		for _, name := range ad.Tools {
			if toolFor == nil {
				return nil, fmt.Errorf("workflow %q agent %q declares tools but no tool resolver was given", d.Name, ad.Name)
			}
			t, err := toolFor(name)
			if err != nil {
				return nil, fmt.Errorf("workflow %q agent %q tool %q: %w", d.Name, ad.Name, name, err)
			}
			tools = append(tools, t)
		}

		a := agent.New(ad.Name, llm, func(o *agent.Options) {
			if ad.Description != "" {
				o.Description = ad.Description
			}
			if ad.Instructions != "" {
				o.Instruction = agent.NewInstructionFromText(ad.Instructions)
			}
			if ad.MaxRetries > 0 {
				o.MaxRetries = ad.MaxRetries
			}
			o.Tools = tools
			o.SensitiveTools = ad.Sensitive
		})
		if err := engine.RegisterAgent(a); err != nil {
			return nil, err
		}
	}

	for _, td := range d.Tasks {
		task := &Task{
			ID:             td.ID,
			Agent:          td.Agent,
			Description:    td.Description,
			ExpectedOutput: td.ExpectedOutput,
			Context:        td.Context,
			Routes:         td.Routes,
			MaxVisits:      td.MaxVisits,
			Retries:        td.Retries,
			OutputFile:     td.OutputFile,
		}
		if err := engine.AddTask(task); err != nil {
			return nil, err
		}
	}

	return engine, nil
}
