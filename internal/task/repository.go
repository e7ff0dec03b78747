package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/forgelabs/taskforge/internal/config"
	"github.com/forgelabs/taskforge/pkg/cerr"
)

// YAMLRepository implements Repository with per-project YAML files.
// Each project keeps its tasks in <base>/projects/<id>/tasks.yaml and
// its settings in <base>/projects/<id>/project.yaml.
type YAMLRepository struct {
	baseDir string
	mu      sync.Mutex
}

// NewYAMLRepository creates a repository rooted at baseDir.
func NewYAMLRepository(baseDir string) *YAMLRepository {
	return &YAMLRepository{baseDir: baseDir}
}

// Project holds per-project settings persisted next to the task list.
type Project struct {
	ID       string             `yaml:"id"`
	RepoPath string             `yaml:"repo_path"`
	Queue    config.QueueConfig `yaml:"queue"`
}

// TaskData represents the structure of the tasks YAML file.
type TaskData struct {
	Tasks []*Task `yaml:"tasks"`
}

func (r *YAMLRepository) tasksPath(projectID string) string {
	return filepath.Join(r.baseDir, "projects", projectID, "tasks.yaml")
}

func (r *YAMLRepository) projectPath(projectID string) string {
	return filepath.Join(r.baseDir, "projects", projectID, "project.yaml")
}

// Create adds a new task to the project's task file.
func (r *YAMLRepository) Create(projectID string, task *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.loadData(projectID)
	if err != nil {
		return err
	}

	for _, t := range data.Tasks {
		if t.ID == task.ID {
			return cerr.New(cerr.AlreadyExists, "task already exists").
				WithMeta("task_id", task.ID)
		}
	}

	data.Tasks = append(data.Tasks, task)
	return r.saveData(projectID, data)
}

// GetByID retrieves a task by its ID.
func (r *YAMLRepository) GetByID(projectID, id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.loadData(projectID)
	if err != nil {
		return nil, err
	}

	for _, t := range data.Tasks {
		if t.ID == id {
			return t, nil
		}
	}

	return nil, cerr.New(cerr.NotFound, "task not found").WithMeta("task_id", id)
}

// GetAll retrieves all tasks of a project in creation order.
func (r *YAMLRepository) GetAll(projectID string) ([]*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.loadData(projectID)
	if err != nil {
		return nil, err
	}
	return data.Tasks, nil
}

// Update replaces an existing task.
func (r *YAMLRepository) Update(projectID string, task *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.loadData(projectID)
	if err != nil {
		return err
	}

	for i, existing := range data.Tasks {
		if existing.ID == task.ID {
			data.Tasks[i] = task
			return r.saveData(projectID, data)
		}
	}

	return cerr.New(cerr.NotFound, "task not found").WithMeta("task_id", task.ID)
}

// Mutate applies fn to the stored task and persists the result as one
// step under the repository lock. Concurrent writers to the same task
// never lose each other's fields the way a get-then-update pair can.
func (r *YAMLRepository) Mutate(projectID, id string, fn func(*Task)) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.loadData(projectID)
	if err != nil {
		return nil, err
	}

	for _, t := range data.Tasks {
		if t.ID == id {
			fn(t)
			if err := r.saveData(projectID, data); err != nil {
				return nil, err
			}
			return t, nil
		}
	}

	return nil, cerr.New(cerr.NotFound, "task not found").WithMeta("task_id", id)
}

// Delete removes a task by its ID.
func (r *YAMLRepository) Delete(projectID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.loadData(projectID)
	if err != nil {
		return err
	}

	for i, t := range data.Tasks {
		if t.ID == id {
			data.Tasks = append(data.Tasks[:i], data.Tasks[i+1:]...)
			return r.saveData(projectID, data)
		}
	}

	return cerr.New(cerr.NotFound, "task not found").WithMeta("task_id", id)
}

// GetProject loads project settings. A project that was never saved
// gets default settings rather than an error, so freshly initialized
// directories work without a setup step.
func (r *YAMLRepository) GetProject(projectID string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.projectPath(projectID)
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Project{ID: projectID, Queue: config.DefaultQueueConfig()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}

	var p Project
	if err := yaml.Unmarshal(content, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal project YAML: %w", err)
	}
	p.Queue = p.Queue.Clamp()
	return &p, nil
}

// SaveProject persists project settings, clamping the queue limits to
// the supported range first.
func (r *YAMLRepository) SaveProject(p *Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.Queue = p.Queue.Clamp()

	dir := filepath.Dir(r.projectPath(p.ID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	content, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal project YAML: %w", err)
	}
	if err := os.WriteFile(r.projectPath(p.ID), content, 0644); err != nil {
		return fmt.Errorf("failed to write project file: %w", err)
	}
	return nil
}

// loadData loads task data from the project's YAML file.
func (r *YAMLRepository) loadData(projectID string) (*TaskData, error) {
	path := r.tasksPath(projectID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &TaskData{Tasks: []*Task{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var data TaskData
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task YAML: %w", err)
	}
	return &data, nil
}

// saveData saves task data to the project's YAML file.
func (r *YAMLRepository) saveData(projectID string, data *TaskData) error {
	path := r.tasksPath(projectID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	content, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal task YAML: %w", err)
	}

	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}
	return nil
}
