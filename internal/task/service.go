package task

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/forgelabs/taskforge/internal/depgraph"
	"github.com/forgelabs/taskforge/internal/event"
	"github.com/forgelabs/taskforge/pkg/cerr"
	"github.com/forgelabs/taskforge/pkg/clog"
)

// Service defines the interface for task business logic operations.
type Service interface {
	CreateTask(ctx context.Context, req *CreateTaskRequest) (*Task, error)
	GetTask(projectID, id string) (*Task, error)
	ListTasks(projectID string) ([]*Task, error)
	UpdateTask(ctx context.Context, req *UpdateTaskRequest) (*Task, error)
	CancelTask(ctx context.Context, projectID, id string) (*Task, error)
	SetDependencies(ctx context.Context, projectID, id string, dependsOn []string) (*Task, error)
	Views(projectID string) ([]depgraph.TaskView, error)
}

// ServiceImpl implements the Service interface.
type ServiceImpl struct {
	repository Repository
	bus        *event.Bus
}

// NewService creates a new task service instance with event bus.
func NewService(repository Repository, bus *event.Bus) *ServiceImpl {
	return &ServiceImpl{
		repository: repository,
		bus:        bus,
	}
}

// CreateTask validates the request, assigns the next sequential ID and
// persists the task in queued state.
func (s *ServiceImpl) CreateTask(ctx context.Context, req *CreateTaskRequest) (*Task, error) {
	if req.Title == "" {
		return nil, cerr.New(cerr.InvalidArgument, "task title cannot be empty")
	}
	if req.ProjectID == "" {
		return nil, cerr.New(cerr.InvalidArgument, "project ID cannot be empty")
	}

	taskID, err := s.generateTaskID(req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate task ID: %w", err)
	}

	if len(req.DependsOn) > 0 {
		views, err := s.Views(req.ProjectID)
		if err != nil {
			return nil, err
		}
		if err := depgraph.Validate(taskID, req.DependsOn, views); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	t := &Task{
		ID:          taskID,
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		Status:      StatusQueued,
		DependsOn:   req.DependsOn,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repository.Create(req.ProjectID, t); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.publish(ctx, &event.TaskEnqueuedData{
		TaskID:    t.ID,
		ProjectID: t.ProjectID,
		Title:     t.Title,
		DependsOn: t.DependsOn,
	})

	return t, nil
}

// GetTask retrieves a task by ID.
func (s *ServiceImpl) GetTask(projectID, id string) (*Task, error) {
	if id == "" {
		return nil, cerr.New(cerr.InvalidArgument, "task ID cannot be empty")
	}
	return s.repository.GetByID(projectID, id)
}

// ListTasks returns all tasks of a project.
func (s *ServiceImpl) ListTasks(projectID string) ([]*Task, error) {
	tasks, err := s.repository.GetAll(projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask applies the request's populated fields and persists the
// result.
func (s *ServiceImpl) UpdateTask(ctx context.Context, req *UpdateTaskRequest) (*Task, error) {
	if req.ID == "" {
		return nil, cerr.New(cerr.InvalidArgument, "task ID cannot be empty")
	}
	if req.Status != "" && !req.Status.Valid() {
		return nil, cerr.New(cerr.InvalidArgument, "unknown task status").
			WithMeta("status", string(req.Status))
	}

	// Read-modify-write happens inside the repository lock: concurrent
	// writers touching different fields of the same task must both land.
	t, err := s.repository.Mutate(req.ProjectID, req.ID, func(t *Task) {
		t.Apply(req)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return t, nil
}

// CancelTask rejects a task that has not yet been integrated. Running
// tasks must be stopped by the supervisor before cancellation.
func (s *ServiceImpl) CancelTask(ctx context.Context, projectID, id string) (*Task, error) {
	var finished error
	t, err := s.repository.Mutate(projectID, id, func(t *Task) {
		if t.Terminal() {
			finished = cerr.New(cerr.InvalidArgument, "task already finished").
				WithMeta("task_id", id).
				WithMeta("status", string(t.Status))
			return
		}
		t.Status = StatusRejected
		now := time.Now()
		t.CompletedAt = &now
		t.UpdatedAt = now
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}
	if finished != nil {
		return nil, finished
	}

	s.publish(ctx, &event.TaskCancelledData{TaskID: t.ID, ProjectID: projectID})
	return t, nil
}

// SetDependencies replaces a task's prerequisite list after validating
// it against the current project snapshot.
func (s *ServiceImpl) SetDependencies(ctx context.Context, projectID, id string, dependsOn []string) (*Task, error) {
	t, err := s.repository.GetByID(projectID, id)
	if err != nil {
		return nil, err
	}

	views, err := s.Views(projectID)
	if err != nil {
		return nil, err
	}
	if err := depgraph.Validate(id, dependsOn, views); err != nil {
		return nil, err
	}

	t.DependsOn = dependsOn
	t.UpdatedAt = time.Now()
	if err := s.repository.Update(projectID, t); err != nil {
		return nil, fmt.Errorf("failed to update dependencies: %w", err)
	}
	return t, nil
}

// Views returns the dependency-validator snapshot of a project.
func (s *ServiceImpl) Views(projectID string) ([]depgraph.TaskView, error) {
	tasks, err := s.repository.GetAll(projectID)
	if err != nil {
		return nil, err
	}

	views := make([]depgraph.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, depgraph.TaskView{
			ID:         t.ID,
			DependsOn:  t.DependsOn,
			Integrated: t.Integrated(),
		})
	}
	return views, nil
}

func (s *ServiceImpl) publish(ctx context.Context, data any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, "task-service", data); err != nil {
		clog.AddError(ctx, err)
	}
}

// generateTaskID returns the next sequential ID for the project.
func (s *ServiceImpl) generateTaskID(projectID string) (string, error) {
	tasks, err := s.repository.GetAll(projectID)
	if err != nil {
		return "", err
	}

	maxID := 0
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, "TASK-") {
			var id int
			if _, err := fmt.Sscanf(t.ID, "TASK-%d", &id); err == nil && id > maxID {
				maxID = id
			}
		}
	}

	return fmt.Sprintf("TASK-%03d", maxID+1), nil
}
