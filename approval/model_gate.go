package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/model"
)

const defaultGateInstructions = `You review tool calls an agent wants to make on behalf of a user.
Given the pending call, decide whether it is safe and in scope.
Reply with APPROVE or DENY on the first line, followed by a short reason.`

// ModelGateOptions configures a ModelGate.
type ModelGateOptions struct {
	// Instructions override the default review prompt.
	Instructions string
}

// ModelGate delegates the approval decision to a reviewer model. The model
// sees the pending call as JSON and answers with an APPROVE or DENY verdict;
// anything it does not clearly approve is denied.
type ModelGate struct {
	llm          model.Model
	instructions string
}

// NewModelGate creates a gate backed by a reviewer model.
func NewModelGate(llm model.Model, optFns ...func(o *ModelGateOptions)) *ModelGate {
	opts := ModelGateOptions{Instructions: defaultGateInstructions}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ModelGate{llm: llm, instructions: opts.Instructions}
}

// Request implements Gate.
func (g *ModelGate) Request(ctx context.Context, req Request) (Decision, error) {
	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return Decision{}, err
	}

	respCh, errCh := g.llm.Generate(ctx, model.Request{
		Instructions: g.instructions,
		Contents:     []core.Content{core.NewTextContent("user", fmt.Sprintf("Pending tool call:\n%s", payload))},
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
				return Decision{}, fmt.Errorf("approval reviewer: %w", err)
			}
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		}
	}

	return parseVerdict(completion), nil
}

// parseVerdict reads the first-line APPROVE/DENY decision. Unrecognized
// verdicts deny.
func parseVerdict(completion string) Decision {
	trimmed := strings.TrimSpace(completion)
	line := trimmed
	rest := ""
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		line = strings.TrimSpace(trimmed[:idx])
		rest = strings.TrimSpace(trimmed[idx+1:])
	}

	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "APPROVE"):
		return Decision{Approved: true, Reason: rest}
	case strings.HasPrefix(upper, "DENY"), strings.HasPrefix(upper, "REJECT"):
		return Decision{Approved: false, Reason: rest}
	default:
		return Decision{Approved: false, Reason: trimmed}
	}
}
