// Package guardrail implements output validation gating acceptance of an
// agent's final answer. A guardrail is either a plain predicate function or
// a delegated evaluator agent whose own completion is parsed for a verdict.
// Rejections carry corrective feedback that the runner appends to the
// conversation before a bounded re-generation attempt.
package guardrail

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/model"
)

// Result is the verdict of one evaluation pass.
type Result struct {
	Accepted bool
	// Feedback carries corrective instruction on rejection. On acceptance
	// it may carry a transformed/normalized output; empty means keep the
	// original.
	Feedback string
}

// Accept returns an accepting result, optionally replacing the output.
func Accept(transformed string) Result {
	return Result{Accepted: true, Feedback: transformed}
}

// Reject returns a rejecting result with corrective feedback.
func Reject(feedback string) Result {
	return Result{Accepted: false, Feedback: feedback}
}

// Guardrail validates an agent's raw output against an acceptance policy.
type Guardrail interface {
	Evaluate(ctx context.Context, output string) (Result, error)
}

// Func adapts a plain validation function to the Guardrail interface.
type Func func(ctx context.Context, output string) (Result, error)

// Evaluate implements Guardrail.
func (f Func) Evaluate(ctx context.Context, output string) (Result, error) {
	return f(ctx, output)
}

// ModelEvaluatorOptions configures a ModelEvaluator.
type ModelEvaluatorOptions struct {
	// Instructions override the default verdict prompt.
	Instructions string
}

// ModelEvaluator delegates validation to a model: the output under review is
// handed to the evaluator model and its completion is parsed for an
// accept/reject verdict. The expected reply format is a first line of either
// ACCEPT or REJECT, with any following lines treated as feedback.
type ModelEvaluator struct {
	llm          model.Model
	instructions string
}

const defaultEvaluatorInstructions = `You are a strict output reviewer.
Review the submitted output. Reply with a first line of exactly ACCEPT or REJECT.
If rejecting, explain on the following lines what must be corrected.`

// NewModelEvaluator creates a delegated evaluator backed by llm.
func NewModelEvaluator(llm model.Model, optFns ...func(o *ModelEvaluatorOptions)) *ModelEvaluator {
	opts := ModelEvaluatorOptions{Instructions: defaultEvaluatorInstructions}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ModelEvaluator{llm: llm, instructions: opts.Instructions}
}

// Evaluate implements Guardrail by issuing one evaluator model call and
// parsing its verdict.
func (e *ModelEvaluator) Evaluate(ctx context.Context, output string) (Result, error) {
	req := model.Request{
		Instructions: e.instructions,
		Contents:     []core.Content{core.NewTextContent("user", output)},
	}

	respCh, errCh := e.llm.Generate(ctx, req)

	var verdict string
	for respCh != nil || errCh != nil {
		select {
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if !resp.Partial {
				verdict = resp.Content.Text()
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return Result{}, fmt.Errorf("guardrail evaluator: %w", err)
			}
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	return parseVerdict(verdict), nil
}

// parseVerdict interprets the evaluator completion. An unrecognized first
// line is treated as rejection with the whole completion as feedback, which
// errs on the safe side.
func parseVerdict(completion string) Result {
	trimmed := strings.TrimSpace(completion)
	if trimmed == "" {
		return Reject("evaluator returned no verdict")
	}

	line, rest, _ := strings.Cut(trimmed, "\n")
	switch strings.ToUpper(strings.TrimSpace(line)) {
	case "ACCEPT", "ACCEPTED", "PASS":
		return Result{Accepted: true}
	case "REJECT", "REJECTED", "FAIL":
		feedback := strings.TrimSpace(rest)
		if feedback == "" {
			feedback = "output rejected by evaluator"
		}
		return Reject(feedback)
	default:
		return Reject(trimmed)
	}
}
