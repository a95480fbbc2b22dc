package agent

import (
	"fmt"
	"strings"
)

// ReflectionConfig bounds the self-critique loop. Each round issues one
// critique call and, unless the critic is satisfied, one regeneration call.
// MinRounds forces that many critique passes even when the critic accepts
// early; MaxRounds caps the loop regardless of verdicts.
type ReflectionConfig struct {
	MinRounds int
	MaxRounds int
	// Instructions replace the default critic guidance when non-empty.
	Instructions string
}

// Normalize clamps nonsensical bounds so the runner can trust the config.
func (c ReflectionConfig) normalize() ReflectionConfig {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 1
	}
	if c.MinRounds < 0 {
		c.MinRounds = 0
	}
	if c.MinRounds > c.MaxRounds {
		c.MinRounds = c.MaxRounds
	}
	return c
}

const defaultCriticInstructions = `You are a critical reviewer. Assess the draft answer against the task.
Reply with a first line of exactly SATISFIED or REVISE.
When replying REVISE, list concrete shortcomings on the following lines.`

func (c ReflectionConfig) criticInstructions() string {
	if c.Instructions != "" {
		return c.Instructions
	}
	return defaultCriticInstructions
}

func criticPrompt(task, draft string) string {
	return fmt.Sprintf("Task:\n%s\n\nDraft answer:\n%s", task, draft)
}

func revisePrompt(critique string) string {
	return fmt.Sprintf("A reviewer raised the following issues with your answer:\n%s\n\nProduce a revised answer that addresses every issue. Reply with the revised answer only.", critique)
}

// parseCritique reports whether the critic is satisfied; the second return
// value is the critique body used as revision guidance.
func parseCritique(completion string) (bool, string) {
	trimmed := strings.TrimSpace(completion)
	line, rest, _ := strings.Cut(trimmed, "\n")
	switch strings.ToUpper(strings.TrimSpace(line)) {
	case "SATISFIED", "ACCEPT", "OK":
		return true, strings.TrimSpace(rest)
	default:
		body := strings.TrimSpace(rest)
		if body == "" {
			body = trimmed
		}
		return false, body
	}
}
