package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind categorizes trace events emitted during a run.
type EventKind string

// Trace event kinds covering the run, turn, tool and task lifecycle.
const (
	EventRunStarted        EventKind = "run.started"
	EventRunCompleted      EventKind = "run.completed"
	EventRunCancelled      EventKind = "run.cancelled"
	EventTurnStarted       EventKind = "turn.started"
	EventModelCall         EventKind = "model.call"
	EventModelChunk        EventKind = "model.chunk"
	EventToolDispatched    EventKind = "tool.dispatched"
	EventToolResult        EventKind = "tool.result"
	EventApprovalRequested EventKind = "approval.requested"
	EventApprovalResolved  EventKind = "approval.resolved"
	EventGuardrailRejected EventKind = "guardrail.rejected"
	EventReflection        EventKind = "reflection.pass"
	EventTaskStarted       EventKind = "task.started"
	EventTaskPublished     EventKind = "task.published"
	EventTaskFailed        EventKind = "task.failed"
)

// Event is the unit of the observability stream. Engine and runner emit
// events for every significant transition; after emission an Event must be
// treated as immutable. Content is optional and carries the conversational
// payload for model/tool events.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Kind      EventKind      `json:"kind"`
	Author    string         `json:"author"`            // agent or task id that produced the event
	TaskID    string         `json:"task_id,omitempty"` // set for task-scoped events
	Iteration int            `json:"iteration,omitempty"`
	Content   *Content       `json:"content,omitempty"`
	Err       string         `json:"error,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent creates a bare event authored by author within a run.
func NewEvent(runID, author string, kind EventKind) Event {
	return Event{
		ID:        NewID(),
		RunID:     runID,
		Author:    author,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// NewTaskEvent creates a task-scoped event.
func NewTaskEvent(runID, taskID string, iteration int, kind EventKind) Event {
	ev := NewEvent(runID, taskID, kind)
	ev.TaskID = taskID
	ev.Iteration = iteration
	return ev
}

// WithContent attaches conversational content, returning the modified event.
func (e Event) WithContent(c Content) Event {
	e.Content = &c
	return e
}

// WithError records an error message on the event.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Err = err.Error()
	}
	return e
}

// WithMeta attaches a metadata key/value pair.
func (e Event) WithMeta(k string, v any) Event {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[k] = v
	return e
}

// NewID generates a UUID-based unique identifier used for run, call and
// event correlation throughout the framework.
func NewID() string { return uuid.NewString() }
