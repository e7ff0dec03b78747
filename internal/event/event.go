package event

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type represents the type of event.
type Type string

const (
	// Task lifecycle events
	TaskEnqueued    Type = "task.enqueued"
	TaskAdmitted    Type = "task.admitted"
	TaskProgress    Type = "task.progress"
	TaskCompleted   Type = "task.completed"
	TaskFailed      Type = "task.failed"
	TaskStuck       Type = "task.stuck"
	TaskRateLimited Type = "task.rate_limited"
	TaskCancelled   Type = "task.cancelled"

	// Workspace events
	WorkspaceMerged    Type = "workspace.merged"
	WorkspaceDiscarded Type = "workspace.discarded"

	// Queue events
	QueueChanged Type = "queue.changed"
)

// Event represents a typed system event.
type Event[T any] struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      T         `json:"data"`
}

// Message represents a serialized event for transport.
type Message struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

// New creates a new typed event.
func New[T any](source string, data T) *Event[T] {
	return &Event[T]{
		ID:        ulid.Make().String(),
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
	}
}

// ToMessage converts a typed event to a transport message.
func (e *Event[T]) ToMessage() (*Message, error) {
	rawData, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:        e.ID,
		Type:      inferType(e.Data),
		Timestamp: e.Timestamp,
		Source:    e.Source,
		Data:      rawData,
	}, nil
}

// FromMessage converts a transport message to a typed event.
func FromMessage[T any](msg *Message) (*Event[T], error) {
	var data T
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return nil, err
	}

	return &Event[T]{
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
		Source:    msg.Source,
		Data:      data,
	}, nil
}

// inferType maps a payload type to its event type.
func inferType(data any) Type {
	dataType := reflect.TypeOf(data)
	if dataType.Kind() == reflect.Ptr {
		dataType = dataType.Elem()
	}

	switch dataType.Name() {
	case "TaskEnqueuedData":
		return TaskEnqueued
	case "TaskAdmittedData":
		return TaskAdmitted
	case "TaskProgressData":
		return TaskProgress
	case "TaskCompletedData":
		return TaskCompleted
	case "TaskFailedData":
		return TaskFailed
	case "TaskStuckData":
		return TaskStuck
	case "TaskRateLimitedData":
		return TaskRateLimited
	case "TaskCancelledData":
		return TaskCancelled
	case "WorkspaceMergedData":
		return WorkspaceMerged
	case "WorkspaceDiscardedData":
		return WorkspaceDiscarded
	case "QueueChangedData":
		return QueueChanged
	default:
		return Type("unknown")
	}
}

// TaskEnqueuedData is published when a task is accepted into the backlog.
type TaskEnqueuedData struct {
	TaskID    string   `json:"task_id"`
	ProjectID string   `json:"project_id"`
	Title     string   `json:"title"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// TaskAdmittedData is published when a task wins a concurrency slot and
// its workspace is provisioned.
type TaskAdmittedData struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	Worktree  string `json:"worktree"`
	Branch    string `json:"branch"`
}

// TaskProgressData is published for every decoded worker progress report.
type TaskProgressData struct {
	TaskID   string   `json:"task_id"`
	Phase    string   `json:"phase"`
	Message  string   `json:"message,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	Subtask  string   `json:"subtask,omitempty"`
}

// TaskCompletedData is published when a worker finishes successfully.
type TaskCompletedData struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
}

// TaskFailedData is published on terminal worker failure.
type TaskFailedData struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// TaskStuckData is published when a worker goes silent past the
// liveness timeout.
type TaskStuckData struct {
	TaskID        string `json:"task_id"`
	ProjectID     string `json:"project_id"`
	SilentSeconds int64  `json:"silent_seconds"`
}

// TaskRateLimitedData is published when worker output matches a
// provider rate limit.
type TaskRateLimitedData struct {
	TaskID  string    `json:"task_id"`
	RetryAt time.Time `json:"retry_at"`
	Attempt int       `json:"attempt"`
}

// TaskCancelledData is published when an operator cancels a task.
type TaskCancelledData struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
}

// WorkspaceMergedData is published after a branch is integrated.
type WorkspaceMergedData struct {
	TaskID string `json:"task_id"`
	Branch string `json:"branch"`
	Target string `json:"target"`
}

// WorkspaceDiscardedData is published when a workspace is removed.
type WorkspaceDiscardedData struct {
	TaskID string `json:"task_id"`
	Forced bool   `json:"forced"`
}

// QueueChangedData is published whenever slot occupancy changes.
type QueueChangedData struct {
	ProjectID string `json:"project_id"`
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`
}
