package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g. "task.delegated", "batch.finished").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Delegation lifecycle events
// -----------------------------------------------------------------------------

// TaskDelegatedEvent is emitted when a task record has been created and its
// worker spawned (or its in-process backend started).
type TaskDelegatedEvent struct {
	baseEvent
	TaskID   string // Task record identifier
	Team     string // Owning team
	Agent    string // Agent name executing the task
	Detached bool   // True for detached launches
	PID      int    // Worker process id; 0 for in-process execution
}

// NewTaskDelegatedEvent creates a TaskDelegatedEvent.
func NewTaskDelegatedEvent(taskID, team, agent string, detached bool, pid int) TaskDelegatedEvent {
	return TaskDelegatedEvent{
		baseEvent: newBaseEvent("task.delegated"),
		TaskID:    taskID,
		Team:      team,
		Agent:     agent,
		Detached:  detached,
		PID:       pid,
	}
}

// TaskProgressEvent is emitted for each new progress snapshot observed while
// tailing a delegated task.
type TaskProgressEvent struct {
	baseEvent
	TaskID string
	Team   string
	Agent  string
	Phase  string // free-text phase label from the worker
}

// NewTaskProgressEvent creates a TaskProgressEvent.
func NewTaskProgressEvent(taskID, team, agent, phase string) TaskProgressEvent {
	return TaskProgressEvent{
		baseEvent: newBaseEvent("task.progress"),
		TaskID:    taskID,
		Team:      team,
		Agent:     agent,
		Phase:     phase,
	}
}

// TaskFinishedEvent is emitted when a delegated task reaches a terminal
// status (completed, failed, or cancelled).
type TaskFinishedEvent struct {
	baseEvent
	TaskID string
	Team   string
	Agent  string
	Status string // terminal status string
	Error  string // non-empty for failed/cancelled tasks
}

// NewTaskFinishedEvent creates a TaskFinishedEvent.
func NewTaskFinishedEvent(taskID, team, agent, status, errText string) TaskFinishedEvent {
	return TaskFinishedEvent{
		baseEvent: newBaseEvent("task.finished"),
		TaskID:    taskID,
		Team:      team,
		Agent:     agent,
		Status:    status,
		Error:     errText,
	}
}

// -----------------------------------------------------------------------------
// Mailbox events
// -----------------------------------------------------------------------------

// MailboxMessageEvent is emitted when a non-progress mailbox message is
// observed by the lead while tailing a worker's outbox.
type MailboxMessageEvent struct {
	baseEvent
	Team    string
	From    string
	To      string
	Type    string // mailbox message type string
	Content string
	TaskID  string
}

// NewMailboxMessageEvent creates a MailboxMessageEvent.
func NewMailboxMessageEvent(team, from, to, msgType, content, taskID string) MailboxMessageEvent {
	return MailboxMessageEvent{
		baseEvent: newBaseEvent("mailbox.message"),
		Team:      team,
		From:      from,
		To:        to,
		Type:      msgType,
		Content:   content,
		TaskID:    taskID,
	}
}

// -----------------------------------------------------------------------------
// Batch events
// -----------------------------------------------------------------------------

// BatchItemFinishedEvent is emitted when one item of a batch run reaches a
// terminal state and frees its concurrency slot.
type BatchItemFinishedEvent struct {
	baseEvent
	BatchID string // identifier for the batch run
	Index   int    // original item index
	TaskID  string
	Status  string
}

// NewBatchItemFinishedEvent creates a BatchItemFinishedEvent.
func NewBatchItemFinishedEvent(batchID string, index int, taskID, status string) BatchItemFinishedEvent {
	return BatchItemFinishedEvent{
		baseEvent: newBaseEvent("batch.item_finished"),
		BatchID:   batchID,
		Index:     index,
		TaskID:    taskID,
		Status:    status,
	}
}

// BatchFinishedEvent is emitted when a batch run completes.
type BatchFinishedEvent struct {
	baseEvent
	BatchID   string
	Total     int
	Succeeded int
	Failed    int
}

// NewBatchFinishedEvent creates a BatchFinishedEvent.
func NewBatchFinishedEvent(batchID string, total, succeeded, failed int) BatchFinishedEvent {
	return BatchFinishedEvent{
		baseEvent: newBaseEvent("batch.finished"),
		BatchID:   batchID,
		Total:     total,
		Succeeded: succeeded,
		Failed:    failed,
	}
}
