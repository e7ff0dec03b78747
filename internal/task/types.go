package task

import (
	"time"

	"github.com/forgelabs/taskforge/internal/protocol"
)

// CreateTaskRequest represents a request to create a new task.
type CreateTaskRequest struct {
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// UpdateTaskRequest represents a request to update a task. Zero-valued
// fields are left untouched.
type UpdateTaskRequest struct {
	ProjectID    string         `json:"project_id"`
	ID           string         `json:"id"`
	Status       Status         `json:"status,omitempty"`
	Phase        protocol.Phase `json:"phase,omitempty"`
	Progress     *float64       `json:"progress,omitempty"`
	Subtasks     []Subtask      `json:"subtasks,omitempty"`
	Worktree     string         `json:"worktree,omitempty"`
	Branch       string         `json:"branch,omitempty"`
	Failure      *Failure       `json:"failure,omitempty"`
	ClearFailure bool           `json:"clear_failure,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Status represents where a task sits in its lifecycle.
type Status string

const (
	// StatusQueued: accepted, waiting for a concurrency slot and ready
	// dependencies.
	StatusQueued Status = "queued"
	// StatusInProgress: admitted, workspace provisioned, worker running
	// (or recoverable after a crash).
	StatusInProgress Status = "in_progress"
	// StatusReview: worker finished, changes await human review.
	StatusReview Status = "review"
	// StatusMerged: changes integrated, dependents may start.
	StatusMerged Status = "merged"
	// StatusRejected: reviewed and declined, workspace discarded.
	StatusRejected Status = "rejected"
	// StatusError: stopped by a failure, kept for inspection and retry.
	StatusError Status = "error"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusReview, StatusMerged, StatusRejected, StatusError:
		return true
	}
	return false
}

// Apply updates the task with the request's populated fields.
func (t *Task) Apply(req *UpdateTaskRequest) {
	if req.Status != "" {
		t.Status = req.Status
	}
	if req.Phase != "" {
		t.Phase = req.Phase
	}
	if req.Progress != nil {
		t.Progress = req.Progress
	}
	if req.Subtasks != nil {
		t.Subtasks = req.Subtasks
	}
	if req.Worktree != "" {
		t.Worktree = req.Worktree
	}
	if req.Branch != "" {
		t.Branch = req.Branch
	}
	if req.ClearFailure {
		t.Failure = nil
	} else if req.Failure != nil {
		t.Failure = req.Failure
	}
	if req.StartedAt != nil {
		t.StartedAt = req.StartedAt
	}
	if req.CompletedAt != nil {
		t.CompletedAt = req.CompletedAt
	}
	t.UpdatedAt = time.Now()
}
