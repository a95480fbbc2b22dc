package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentflow/core"
)

func TestApproveAll(t *testing.T) {
	gate := ApproveAll()

	d, err := gate.Request(context.Background(), Request{ID: "c1", Tool: "send_email"})

	assert.NoError(t, err)
	assert.True(t, d.Approved)
}

func TestDenyAll(t *testing.T) {
	gate := DenyAll("not in business hours")

	d, err := gate.Request(context.Background(), Request{ID: "c1", Tool: "send_email"})

	assert.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, "not in business hours", d.Reason)
}

func TestAsyncGate_Resolve(t *testing.T) {
	gate := NewAsyncGate()

	go func() {
		req := <-gate.Pending()
		assert.Equal(t, "send_email", req.Tool)
		gate.Resolve(req.ID, Decision{Approved: true, Reason: "looks fine"})
	}()

	d, err := gate.Request(context.Background(), Request{ID: "c1", Tool: "send_email"})

	assert.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, "looks fine", d.Reason)
}

func TestAsyncGate_Timeout(t *testing.T) {
	gate := NewAsyncGate(func(o *AsyncGateOptions) {
		o.Timeout = 20 * time.Millisecond
	})

	d, err := gate.Request(context.Background(), Request{ID: "c1", Tool: "send_email"})

	assert.ErrorIs(t, err, core.ErrApprovalTimeout)
	assert.False(t, d.Approved)
}

func TestAsyncGate_ContextCancelled(t *testing.T) {
	gate := NewAsyncGate()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-gate.Pending()
		cancel() // reviewer walks away
	}()

	_, err := gate.Request(ctx, Request{ID: "c1", Tool: "send_email"})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestAsyncGate_ResolveUnknownID(t *testing.T) {
	gate := NewAsyncGate()

	// Must not panic or block.
	gate.Resolve("missing", Decision{Approved: true})
}
