package guardrail

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentflow/model"
)

func TestFunc(t *testing.T) {
	g := Func(func(_ context.Context, output string) (Result, error) {
		if strings.Contains(output, "TODO") {
			return Reject("remove the TODO markers"), nil
		}
		return Result{Accepted: true}, nil
	})

	res, err := g.Evaluate(context.Background(), "final text with TODO")
	assert.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "remove the TODO markers", res.Feedback)

	res, err = g.Evaluate(context.Background(), "clean text")
	assert.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestAccept_Transformed(t *testing.T) {
	res := Accept("normalized output")

	assert.True(t, res.Accepted)
	assert.Equal(t, "normalized output", res.Feedback)
}

func TestModelEvaluator_Accept(t *testing.T) {
	llm := model.NewMockModel("reviewer", "mock")
	llm.EnqueueText("ACCEPT")

	e := NewModelEvaluator(llm)

	res, err := e.Evaluate(context.Background(), "the output under review")

	assert.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestModelEvaluator_RejectWithFeedback(t *testing.T) {
	llm := model.NewMockModel("reviewer", "mock")
	llm.EnqueueText("REJECT\nThe summary misses the second finding.")

	e := NewModelEvaluator(llm)

	res, err := e.Evaluate(context.Background(), "the output under review")

	assert.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "The summary misses the second finding.", res.Feedback)
}

func TestModelEvaluator_UnrecognizedVerdictRejects(t *testing.T) {
	llm := model.NewMockModel("reviewer", "mock")
	llm.EnqueueText("maybe it is fine?")

	e := NewModelEvaluator(llm)

	res, err := e.Evaluate(context.Background(), "the output under review")

	assert.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "maybe it is fine?", res.Feedback)
}

func TestParseVerdict(t *testing.T) {
	assert.True(t, parseVerdict("ACCEPT").Accepted)
	assert.True(t, parseVerdict("pass").Accepted)
	assert.False(t, parseVerdict("REJECT").Accepted)
	assert.False(t, parseVerdict("").Accepted)
}
