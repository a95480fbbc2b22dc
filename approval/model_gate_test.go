package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentflow/model"
)

func TestModelGate_Approve(t *testing.T) {
	llm := model.NewMockModel("reviewer", "mock")
	llm.EnqueueText("APPROVE\nRead-only lookup, no side effects.")

	gate := NewModelGate(llm)

	d, err := gate.Request(context.Background(), Request{ID: "c1", Tool: "get_weather"})

	assert.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, "Read-only lookup, no side effects.", d.Reason)
}

func TestModelGate_Deny(t *testing.T) {
	llm := model.NewMockModel("reviewer", "mock")
	llm.EnqueueText("DENY\nExternal side effect without user confirmation.")

	gate := NewModelGate(llm)

	d, err := gate.Request(context.Background(), Request{ID: "c1", Tool: "send_email"})

	assert.NoError(t, err)
	assert.False(t, d.Approved)
}

func TestParseVerdict(t *testing.T) {
	assert.True(t, parseVerdict("approve").Approved)
	assert.False(t, parseVerdict("REJECT\ntoo risky").Approved)
	// Anything the reviewer does not clearly approve is denied.
	assert.False(t, parseVerdict("I am not sure about this one.").Approved)
}
