package workflow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentflow/core"
)

func TestSharedContext_PublishWriteOnce(t *testing.T) {
	sc := NewSharedContext(nil)

	first := Output{TaskID: "t1", Iteration: 0, Content: "first", Status: StatusSuccess}
	assert.NoError(t, sc.Publish(first))

	err := sc.Publish(Output{TaskID: "t1", Iteration: 0, Content: "second", Status: StatusSuccess})
	assert.ErrorIs(t, err, core.ErrDuplicatePublish)

	// The first write is untouched.
	out, ok := sc.Get("t1")
	assert.True(t, ok)
	assert.Equal(t, "first", out.Content)
}

func TestSharedContext_IterationsAreIndependent(t *testing.T) {
	sc := NewSharedContext(nil)

	assert.NoError(t, sc.Publish(Output{TaskID: "t1", Iteration: 0, Content: "v0", Status: StatusSuccess}))
	assert.NoError(t, sc.Publish(Output{TaskID: "t1", Iteration: 1, Content: "v1", Status: StatusSuccess}))

	latest, ok := sc.Get("t1")
	assert.True(t, ok)
	assert.Equal(t, "v1", latest.Content)

	v0, ok := sc.GetIteration("t1", 0)
	assert.True(t, ok)
	assert.Equal(t, "v0", v0.Content)
}

func TestSharedContext_Variables(t *testing.T) {
	sc := NewSharedContext(map[string]any{"topic": "Go"})

	v, ok := sc.GetVariable("topic")
	assert.True(t, ok)
	assert.Equal(t, "Go", v)

	sc.SetVariable("stage", "draft")
	snapshot := sc.Variables()
	assert.Equal(t, "draft", snapshot["stage"])

	// Snapshot is detached from the live map.
	snapshot["stage"] = "mutated"
	v, _ = sc.GetVariable("stage")
	assert.Equal(t, "draft", v)
}

func TestSharedContext_ConcurrentPublishers(t *testing.T) {
	sc := NewSharedContext(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sc.Publish(Output{TaskID: "same", Iteration: 0, Status: StatusSuccess})
		}()
	}
	wg.Wait()

	// Exactly one publish won; the rest were rejected.
	assert.Len(t, sc.Outputs(), 1)
}

func TestSharedContext_Trace(t *testing.T) {
	sc := NewSharedContext(nil)

	sc.AppendTrace(core.NewEvent("r1", "engine", core.EventRunStarted))
	sc.AppendTrace(core.NewEvent("r1", "engine", core.EventRunCompleted))

	trace := sc.Trace()
	assert.Len(t, trace, 2)
	assert.Equal(t, core.EventRunStarted, trace[0].Kind)
	assert.Equal(t, core.EventRunCompleted, trace[1].Kind)
}
