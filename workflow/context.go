package workflow

import (
	"fmt"
	"sync"

	"github.com/hupe1980/agentflow/core"
)

type outputKey struct {
	taskID    string
	iteration int
}

// SharedContext is the blackboard a workflow run writes through. Task
// outputs are write-once per (task id, iteration): a task that runs again in
// a loop publishes under the next iteration, never over a previous one.
// Variables are freely mutable and exposed to tool bodies; the trace log is
// append-only.
//
// Concurrency: many concurrent readers, one publisher per task. All methods
// are goroutine-safe.
type SharedContext struct {
	mu        sync.RWMutex
	outputs   map[outputKey]Output
	latest    map[string]int // task id -> highest published iteration
	variables map[string]any
	trace     []core.Event
}

// NewSharedContext creates a blackboard seeded with the given variables.
func NewSharedContext(variables map[string]any) *SharedContext {
	vars := map[string]any{}
	for k, v := range variables {
		vars[k] = v
	}
	return &SharedContext{
		outputs:   map[outputKey]Output{},
		latest:    map[string]int{},
		variables: vars,
	}
}

// Publish records a task output. Publishing twice under the same
// (task id, iteration) returns ErrDuplicatePublish and leaves the first
// write untouched.
func (s *SharedContext) Publish(out Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := outputKey{taskID: out.TaskID, iteration: out.Iteration}
	if _, exists := s.outputs[key]; exists {
		return fmt.Errorf("%w: task %q iteration %d", core.ErrDuplicatePublish, out.TaskID, out.Iteration)
	}

	s.outputs[key] = out
	if cur, ok := s.latest[out.TaskID]; !ok || out.Iteration >= cur {
		s.latest[out.TaskID] = out.Iteration
	}
	return nil
}

// Get returns the most recently published output for a task id.
func (s *SharedContext) Get(taskID string) (Output, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iter, ok := s.latest[taskID]
	if !ok {
		return Output{}, false
	}
	out, ok := s.outputs[outputKey{taskID: taskID, iteration: iter}]
	return out, ok
}

// GetIteration returns the output a specific iteration published.
func (s *SharedContext) GetIteration(taskID string, iteration int) (Output, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, ok := s.outputs[outputKey{taskID: taskID, iteration: iteration}]
	return out, ok
}

// Outputs returns the latest output per task id as a fresh map.
func (s *SharedContext) Outputs() map[string]Output {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]Output, len(s.latest))
	for taskID, iter := range s.latest {
		result[taskID] = s.outputs[outputKey{taskID: taskID, iteration: iter}]
	}
	return result
}

// GetVariable implements tool.Vars.
func (s *SharedContext) GetVariable(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.variables[name]
	return v, ok
}

// SetVariable implements tool.Vars.
func (s *SharedContext) SetVariable(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.variables[name] = value
}

// Variables returns a snapshot of the variable map.
func (s *SharedContext) Variables() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string]any, len(s.variables))
	for k, v := range s.variables {
		snapshot[k] = v
	}
	return snapshot
}

// AppendTrace records an event in the run's append-only trace log.
func (s *SharedContext) AppendTrace(ev core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trace = append(s.trace, ev)
}

// Trace returns a copy of the trace log in emission order.
func (s *SharedContext) Trace() []core.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trace := make([]core.Event, len(s.trace))
	copy(trace, s.trace)
	return trace
}
