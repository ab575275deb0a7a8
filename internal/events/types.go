package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicOutput   = "output"
	TopicProgress = "progress"
)

// Event type constants
const (
	EventTypeTaskAdded    = "task.added"
	EventTypeTaskStarted  = "task.started"
	EventTypeTaskOutput   = "task.output"
	EventTypeTaskFinished = "task.finished"
	EventTypeProgress     = "scheduler.progress"
)

// TaskAddedEvent is published when a scheduler admits a task.
type TaskAddedEvent struct {
	ID           string
	Name         string
	Dependencies []string
	Timestamp    time.Time
}

func (e TaskAddedEvent) EventType() string { return EventTypeTaskAdded }
func (e TaskAddedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published right before a task body runs.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent carries one line of output from a running task.
type TaskOutputEvent struct {
	ID        string
	Stream    string // "stdout" or "stderr"
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskFinishedEvent is published once a task reaches its terminal state.
// Duration is zero for tasks that never executed.
type TaskFinishedEvent struct {
	ID        string
	Name      string
	Cancelled bool
	Errs      []error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) TaskID() string    { return e.ID }

// Failed reports whether the task finished with errors.
func (e TaskFinishedEvent) Failed() bool { return len(e.Errs) > 0 }

// ProgressEvent summarizes every task seen by a delegate.
type ProgressEvent struct {
	Total     int
	Pending   int
	Running   int
	Succeeded int
	Failed    int
	Cancelled int
	Timestamp time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) TaskID() string    { return "" }

// Finished returns the number of tasks in a terminal state.
func (e ProgressEvent) Finished() int { return e.Succeeded + e.Failed + e.Cancelled }
