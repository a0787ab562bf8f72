package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	RunID() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicWorkflow = "workflow"
	TopicBugfix   = "bugfix"
)

// Event type constants
const (
	EventTypeTaskStarted        = "task.started"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeTaskFailed         = "task.failed"
	EventTypeBatchProgress      = "task.batch_progress"
	EventTypeStepCompleted      = "workflow.step_completed"
	EventTypeRunStatus          = "workflow.run_status"
	EventTypeBugOutcome         = "bugfix.bug_outcome"
	EventTypeIterationCompleted = "bugfix.iteration_completed"
)

// TaskStartedEvent is published when a task enters its capability call.
type TaskStartedEvent struct {
	Run        string
	ID         string
	Capability string
	WorkDir    string
	Timestamp  time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) RunID() string     { return e.Run }

// TaskCompletedEvent is published when a task succeeds.
type TaskCompletedEvent struct {
	Run       string
	ID        string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) RunID() string     { return e.Run }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	Run       string
	ID        string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) RunID() string     { return e.Run }

// BatchProgressEvent is published whenever a task in a batch finishes.
type BatchProgressEvent struct {
	Run       string
	Total     int
	Completed int
	Failed    int
	Timestamp time.Time
}

func (e BatchProgressEvent) EventType() string { return EventTypeBatchProgress }
func (e BatchProgressEvent) Topic() string     { return TopicTask }
func (e BatchProgressEvent) RunID() string     { return e.Run }

// StepCompletedEvent is published after a workflow step is checkpointed.
type StepCompletedEvent struct {
	Run        string
	StepID     string
	StepNumber int
	Timestamp  time.Time
}

func (e StepCompletedEvent) EventType() string { return EventTypeStepCompleted }
func (e StepCompletedEvent) Topic() string     { return TopicWorkflow }
func (e StepCompletedEvent) RunID() string     { return e.Run }

// RunStatusEvent is published when a workflow run changes status.
type RunStatusEvent struct {
	Run       string
	Status    string
	Err       error
	Timestamp time.Time
}

func (e RunStatusEvent) EventType() string { return EventTypeRunStatus }
func (e RunStatusEvent) Topic() string     { return TopicWorkflow }
func (e RunStatusEvent) RunID() string     { return e.Run }

// BugOutcomeEvent is published for every bug the fix loop handles.
type BugOutcomeEvent struct {
	Run       string
	Iteration int
	File      string
	Origin    string
	Outcome   string // fixed, failed, skipped
	Err       error
	Timestamp time.Time
}

func (e BugOutcomeEvent) EventType() string { return EventTypeBugOutcome }
func (e BugOutcomeEvent) Topic() string     { return TopicBugfix }
func (e BugOutcomeEvent) RunID() string     { return e.Run }

// IterationCompletedEvent is published at the end of each fix iteration.
type IterationCompletedEvent struct {
	Run       string
	Iteration int
	Found     int
	Fixed     int
	Failed    int
	Skipped   int
	Timestamp time.Time
}

func (e IterationCompletedEvent) EventType() string { return EventTypeIterationCompleted }
func (e IterationCompletedEvent) Topic() string     { return TopicBugfix }
func (e IterationCompletedEvent) RunID() string     { return e.Run }
