package agent

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentflow/approval"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/guardrail"
	"github.com/hupe1980/agentflow/memory"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/tool"
)

func weatherTool(invoked *atomic.Int32) tool.Tool {
	return tool.NewFunctionTool("get_weather", "weather lookup",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
			},
			"required": []string{"city"},
		},
		func(_ *tool.Context, args map[string]any) (any, error) {
			if invoked != nil {
				invoked.Add(1)
			}
			return map[string]any{"city": args["city"], "condition": "sunny"}, nil
		})
}

func TestRun_SimpleCompletion(t *testing.T) {
	llm := model.NewMockModel("test", "mock")
	llm.EnqueueText("done")

	a := New("Assistant", llm)

	res, err := a.Run(context.Background(), "do the thing")

	assert.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, 1, res.ModelCalls)
	assert.Len(t, res.History, 2) // user input + assistant answer
}

func TestRun_ToolLoop(t *testing.T) {
	var invoked atomic.Int32

	llm := model.NewMockModel("test", "mock")
	llm.EnqueueToolCall("c1", "get_weather", `{"city":"Tokyo"}`)
	llm.EnqueueText("It is sunny in Tokyo.")

	a := New("Assistant", llm, func(o *Options) {
		o.Tools = []tool.Tool{weatherTool(&invoked)}
	})

	res, err := a.Run(context.Background(), "weather in Tokyo?")

	assert.NoError(t, err)
	assert.Equal(t, "It is sunny in Tokyo.", res.Output)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, int32(1), invoked.Load())

	// Transcript: user, assistant tool call, tool response, assistant answer.
	assert.Len(t, res.History, 4)
	responses := res.History[2].FunctionResponses()
	assert.Len(t, responses, 1)
	assert.Equal(t, "c1", responses[0].ID)
	assert.Empty(t, responses[0].Error)
}

func TestRun_InvalidArgumentsFeedbackThenCorrection(t *testing.T) {
	var invoked atomic.Int32

	llm := model.NewMockModel("test", "mock")
	llm.EnqueueToolCall("c1", "get_weather", `{"city":123}`)
	llm.EnqueueToolCall("c2", "get_weather", `{"city":"Tokyo"}`)
	llm.EnqueueText("It is sunny in Tokyo.")

	a := New("Assistant", llm, func(o *Options) {
		o.Tools = []tool.Tool{weatherTool(&invoked)}
	})

	res, err := a.Run(context.Background(), "weather in Tokyo?")

	assert.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	// The first call never reached the tool body.
	assert.Equal(t, int32(1), invoked.Load())
	assert.Equal(t, 2, res.ToolCalls)

	// The first tool response carries the violation feedback.
	first := res.History[2].FunctionResponses()
	assert.Len(t, first, 1)
	assert.Contains(t, first[0].Error, "invalid tool arguments")
}

func TestRun_ToolFailuresContinueToCeiling(t *testing.T) {
	var invoked atomic.Int32

	llm := model.NewMockModel("test", "mock")
	for i := 0; i < 4; i++ {
		llm.EnqueueToolCall("c", "flaky", `{}`)
	}

	flaky := tool.NewFunctionTool("flaky", "always fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(_ *tool.Context, _ map[string]any) (any, error) {
			invoked.Add(1)
			return nil, tool.NewToolError("flaky", "backend unavailable", "EXECUTION_ERROR")
		})

	a := New("Assistant", llm, func(o *Options) {
		o.Tools = []tool.Tool{flaky}
		o.MaxToolCalls = 3
	})

	res, err := a.Run(context.Background(), "keep trying")

	assert.ErrorIs(t, err, core.ErrToolLoopExceeded)
	assert.Equal(t, StateFailed, res.State)
	// Failing tool bodies were re-dispatched until the ceiling, never
	// terminating the run on their own.
	assert.Equal(t, int32(3), invoked.Load())

	var taskErr *core.TaskError
	assert.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "Assistant", taskErr.Agent)
}

func TestRun_GuardrailRejectsUntilExhaustion(t *testing.T) {
	llm := model.NewMockModel("test", "mock")
	llm.EnqueueText("attempt one")
	llm.EnqueueText("attempt two")

	rejections := 0
	a := New("Assistant", llm, func(o *Options) {
		o.MaxRetries = 2
		o.Guardrail = guardrail.Func(func(_ context.Context, _ string) (guardrail.Result, error) {
			rejections++
			return guardrail.Reject("not good enough"), nil
		})
	})

	res, err := a.Run(context.Background(), "write something")

	assert.ErrorIs(t, err, core.ErrGuardrailExceeded)
	assert.Equal(t, StateFailed, res.State)
	// Exactly max retries evaluation attempts, not fewer, not more.
	assert.Equal(t, 2, rejections)
	assert.Equal(t, 2, llm.Calls())
}

func TestRun_GuardrailAcceptsTransformed(t *testing.T) {
	llm := model.NewMockModel("test", "mock")
	llm.EnqueueText("  raw output  ")

	a := New("Assistant", llm, func(o *Options) {
		o.Guardrail = guardrail.Func(func(_ context.Context, output string) (guardrail.Result, error) {
			return guardrail.Accept("clean output"), nil
		})
	})

	res, err := a.Run(context.Background(), "write something")

	assert.NoError(t, err)
	assert.Equal(t, "clean output", res.Output)
}

func TestRun_ApprovalDenialTerminatesRun(t *testing.T) {
	var invoked atomic.Int32

	llm := model.NewMockModel("test", "mock")
	llm.EnqueueToolCall("c1", "send_email", `{}`)

	send := tool.NewFunctionTool("send_email", "sends email",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(_ *tool.Context, _ map[string]any) (any, error) {
			invoked.Add(1)
			return "sent", nil
		})

	a := New("Assistant", llm, func(o *Options) {
		o.Tools = []tool.Tool{send}
		o.SensitiveTools = []string{"send_email"}
		o.Gate = approval.DenyAll("not allowed")
	})

	res, err := a.Run(context.Background(), "email the report")

	assert.ErrorIs(t, err, core.ErrApprovalDenied)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, int32(0), invoked.Load())

	// The denial outcome is still recorded in the transcript.
	responses := res.History[len(res.History)-1].FunctionResponses()
	assert.Len(t, responses, 1)
	assert.Contains(t, responses[0].Error, "denied")
}

func TestRun_OutputSchemaRetryThenSuccess(t *testing.T) {
	llm := model.NewMockModel("test", "mock")
	llm.EnqueueText("not json at all")
	llm.EnqueueText(`{"answer": "42"}`)

	type reply struct {
		Answer string `json:"answer"`
	}

	a := New("Assistant", llm, func(o *Options) {
		o.OutputSchema = OutputSchemaOf(reply{})
	})

	res, err := a.Run(context.Background(), "the question")

	assert.NoError(t, err)
	assert.Equal(t, 2, llm.Calls())
	assert.Equal(t, "42", res.Payload["answer"])
}

func TestRun_OutputSchemaExhaustion(t *testing.T) {
	llm := model.NewMockModel("test", "mock")
	llm.EnqueueText("still not json")

	a := New("Assistant", llm, func(o *Options) {
		o.OutputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"answer": map[string]any{"type": "string"}},
			"required":   []string{"answer"},
		}
		o.MaxRetries = 1
	})

	res, err := a.Run(context.Background(), "the question")

	assert.ErrorIs(t, err, core.ErrSchemaValidation)
	assert.Equal(t, StateFailed, res.State)
}

func TestRun_SchemaFencedJSON(t *testing.T) {
	llm := model.NewMockModel("test", "mock")
	llm.EnqueueText("```json\n{\"answer\": \"42\"}\n```")

	a := New("Assistant", llm, func(o *Options) {
		o.OutputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"answer": map[string]any{"type": "string"}},
			"required":   []string{"answer"},
		}
	})

	res, err := a.Run(context.Background(), "the question")

	assert.NoError(t, err)
	assert.Equal(t, "42", res.Payload["answer"])
}

func TestRun_Cancellation(t *testing.T) {
	llm := model.NewMockModel("test", "mock")
	llm.EnqueueText("never used")

	a := New("Assistant", llm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := a.Run(ctx, "do the thing")

	assert.ErrorIs(t, err, core.ErrCancelled)
	assert.Equal(t, StateCancelled, res.State)
}

func TestRun_ModelCallBudget(t *testing.T) {
	llm := model.NewMockModel("test", "mock")
	llm.EnqueueToolCall("c1", "get_weather", `{"city":"Tokyo"}`)
	llm.EnqueueText("unreachable")

	a := New("Assistant", llm, func(o *Options) {
		o.Tools = []tool.Tool{weatherTool(nil)}
		o.MaxModelCalls = 1
	})

	res, err := a.Run(context.Background(), "weather in Tokyo?")

	assert.ErrorIs(t, err, core.ErrModelCallsExceeded)
	assert.Equal(t, StateFailed, res.State)
}

func TestRun_MemoryStoresFinalAnswer(t *testing.T) {
	store := memory.NewInMemoryStore()

	llm := model.NewMockModel("test", "mock")
	llm.EnqueueText("the final answer")

	a := New("Assistant", llm, func(o *Options) {
		o.Memory = store
	})

	_, err := a.Run(context.Background(), "remember this")

	assert.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestRun_ReflectionRevisesDraft(t *testing.T) {
	llm := model.NewMockModel("test", "mock")
	llm.EnqueueText("draft v1")               // primary generation
	llm.EnqueueText("REVISE\nmissing detail") // critic round 1
	llm.EnqueueText("draft v2")               // revision
	llm.EnqueueText("SATISFIED")              // critic round 2

	a := New("Assistant", llm, func(o *Options) {
		o.Reflection = &ReflectionConfig{MaxRounds: 2}
	})

	res, err := a.Run(context.Background(), "write a report")

	assert.NoError(t, err)
	assert.Equal(t, "draft v2", res.Output)
	assert.Equal(t, 4, llm.Calls())
}

func TestRun_ReflectionSatisfiedFirstRound(t *testing.T) {
	llm := model.NewMockModel("test", "mock")
	llm.EnqueueText("solid draft")
	llm.EnqueueText("SATISFIED")

	a := New("Assistant", llm, func(o *Options) {
		o.Reflection = &ReflectionConfig{MaxRounds: 3}
	})

	res, err := a.Run(context.Background(), "write a report")

	assert.NoError(t, err)
	assert.Equal(t, "solid draft", res.Output)
	assert.Equal(t, 2, llm.Calls())
}

func TestStream_EmitsLifecycleEvents(t *testing.T) {
	llm := model.NewMockModel("test", "mock")
	llm.EnqueueText("done")

	a := New("Assistant", llm)

	events, done := a.Stream(context.Background(), "do the thing")

	var kinds []core.EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	out := <-done

	assert.NoError(t, out.Err)
	assert.Equal(t, "done", out.Result.Output)
	assert.Contains(t, kinds, core.EventRunStarted)
	assert.Contains(t, kinds, core.EventTurnStarted)
	assert.Contains(t, kinds, core.EventModelCall)
	assert.Contains(t, kinds, core.EventRunCompleted)
}
