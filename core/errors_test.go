package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskError_Unwrap(t *testing.T) {
	err := &TaskError{
		TaskID: "research",
		Agent:  "Researcher",
		Err:    fmt.Errorf("%w: retry budget 3 exhausted", ErrGuardrailExceeded),
	}

	assert.ErrorIs(t, err, ErrGuardrailExceeded)
	assert.Contains(t, err.Error(), "research")
	assert.Contains(t, err.Error(), "Researcher")
}

func TestTaskError_WithoutAgent(t *testing.T) {
	err := &TaskError{TaskID: "t1", Err: ErrCancelled}

	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, "task t1: run cancelled", err.Error())
}
