package task

import (
	"time"

	"github.com/forgelabs/taskforge/internal/protocol"
)

// Task represents a unit of agent work tracked by taskforge.
type Task struct {
	ID          string   `yaml:"id"`
	ProjectID   string   `yaml:"project_id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Status      Status   `yaml:"status"`
	DependsOn   []string `yaml:"depends_on,omitempty"`

	// Progress percentage (0 to 100) reported by the worker over the
	// progress protocol.
	Phase    protocol.Phase `yaml:"phase,omitempty"`
	Progress *float64       `yaml:"progress,omitempty"`
	Subtasks []Subtask      `yaml:"subtasks,omitempty"`

	// Workspace provisioned for the task, empty until admitted.
	Worktree string `yaml:"worktree,omitempty"`
	Branch   string `yaml:"branch,omitempty"`

	// Failure holds the last terminal or health failure, nil when healthy.
	Failure *Failure `yaml:"failure,omitempty"`

	CreatedAt   time.Time  `yaml:"created_at"`
	StartedAt   *time.Time `yaml:"started_at,omitempty"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty"`
	UpdatedAt   time.Time  `yaml:"updated_at"`
}

// Subtask is a worker-reported slice of the task's plan.
type Subtask struct {
	Title  string `yaml:"title"`
	Status string `yaml:"status"`
}

// FailureStuck marks a task whose worker went silent or exited without
// a terminal phase. It is not an error code: nothing failed, the task
// just needs operator-directed recovery.
const FailureStuck = "STUCK"

// Failure describes why a task stopped making progress. Kind matches a
// cerr code name so health checks can classify without string matching
// on messages.
type Failure struct {
	Kind    string            `yaml:"kind"`
	Message string            `yaml:"message"`
	Meta    map[string]string `yaml:"meta,omitempty"`
	At      time.Time         `yaml:"at"`
}

// Repository defines the interface for task persistence operations.
type Repository interface {
	Create(projectID string, task *Task) error
	GetByID(projectID, id string) (*Task, error)
	GetAll(projectID string) ([]*Task, error)
	Update(projectID string, task *Task) error
	Mutate(projectID, id string, fn func(*Task)) (*Task, error)
	Delete(projectID, id string) error
}

// Running reports whether the task currently occupies a concurrency slot.
func (t *Task) Running() bool {
	return t.Status == StatusInProgress
}

// Integrated reports whether the task's changes reached the
// integration branch, which is what dependents wait for.
func (t *Task) Integrated() bool {
	return t.Status == StatusMerged
}

// Terminal reports whether the task will never run again without
// explicit operator action.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusMerged, StatusRejected:
		return true
	}
	return false
}
