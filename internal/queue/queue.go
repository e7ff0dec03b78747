// Package queue holds the backlog and decides which tasks run.
package queue

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/forgelabs/taskforge/internal/config"
	"github.com/forgelabs/taskforge/internal/depgraph"
	"github.com/forgelabs/taskforge/internal/event"
	"github.com/forgelabs/taskforge/internal/supervisor"
	"github.com/forgelabs/taskforge/internal/task"
	"github.com/forgelabs/taskforge/internal/workspace"
	"github.com/forgelabs/taskforge/pkg/cerr"
	"github.com/forgelabs/taskforge/pkg/clog"
)

// Provisioner creates the isolated workspace an admitted task runs in.
type Provisioner interface {
	Provision(ctx context.Context, project *task.Project, t *task.Task) (*workspace.Workspace, error)
}

// Spawner hands admitted tasks to the process supervisor.
type Spawner interface {
	Spawn(t *task.Task, ws *workspace.Workspace) (supervisor.HandleInfo, error)
	Kill(taskID string) error
	Alive(taskID string) bool
}

// ProjectStore reads and writes per-project queue settings.
type ProjectStore interface {
	GetProject(projectID string) (*task.Project, error)
	SaveProject(p *task.Project) error
}

// Status is a read-only snapshot of a project's queue.
type Status struct {
	Enabled       bool `json:"enabled"`
	Running       int  `json:"running"`
	Backlog       int  `json:"backlog"`
	MaxConcurrent int  `json:"max_concurrent"`
}

// Queue admits backlog tasks into execution. Every admission decision
// for a project happens under that project's lock, so concurrent
// triggers can never admit past the concurrency budget. Workspace
// provisioning runs on a bounded worker pool off the decision path.
type Queue struct {
	tasks    task.Service
	projects ProjectStore
	prov     Provisioner
	spawner  Spawner
	bus      *event.Bus
	jobs     *pool.Pool
	handoff  conc.WaitGroup

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a queue. ioWorkers bounds concurrent provisioning jobs.
func New(tasks task.Service, projects ProjectStore, prov Provisioner, spawner Spawner, bus *event.Bus, ioWorkers int) *Queue {
	if ioWorkers < 1 {
		ioWorkers = 1
	}
	return &Queue{
		tasks:    tasks,
		projects: projects,
		prov:     prov,
		spawner:  spawner,
		bus:      bus,
		jobs:     pool.New().WithMaxGoroutines(ioWorkers),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Close waits for in-flight provisioning jobs.
func (q *Queue) Close() {
	q.handoff.Wait()
	q.jobs.Wait()
}

// projectLock returns the serialization point for one project.
func (q *Queue) projectLock(projectID string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		q.locks[projectID] = l
	}
	return l
}

// Enqueue accepts a new task into the backlog and immediately runs an
// admission pass for its project.
func (q *Queue) Enqueue(ctx context.Context, req *task.CreateTaskRequest) (*task.Task, error) {
	t, err := q.tasks.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := q.TriggerAdmission(ctx, req.ProjectID); err != nil {
		clog.AddError(ctx, err)
		slog.Warn("admission pass after enqueue failed", "project_id", req.ProjectID, "error", err)
	}
	return t, nil
}

// TriggerAdmission scans the backlog in creation order and admits every
// task whose dependencies are integrated while a slot is free. It is
// idempotent: with no state change, repeated calls admit nothing.
func (q *Queue) TriggerAdmission(ctx context.Context, projectID string) error {
	lock := q.projectLock(projectID)
	lock.Lock()
	project, launches, running, total, err := q.admit(ctx, projectID)
	lock.Unlock()
	if err != nil {
		return err
	}

	for _, t := range launches {
		q.submitLaunch(project, t)
	}
	if len(launches) > 0 {
		q.publishQueueChanged(ctx, projectID, running, total)
	}
	return nil
}

// admit runs one admission pass under the project lock and returns the
// tasks to launch. Launches are submitted by the caller after the lock
// is released, so a saturated provisioning pool never stalls the next
// admission decision.
func (q *Queue) admit(ctx context.Context, projectID string) (*task.Project, []*task.Task, int, int, error) {
	project, err := q.projects.GetProject(projectID)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	if !project.Queue.Enabled {
		return project, nil, 0, 0, nil
	}

	tasks, err := q.tasks.ListTasks(projectID)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	views := make([]depgraph.TaskView, 0, len(tasks))
	running := 0
	for _, t := range tasks {
		if t.Running() {
			running++
		}
		views = append(views, depgraph.TaskView{ID: t.ID, DependsOn: t.DependsOn, Integrated: t.Integrated()})
	}

	var launches []*task.Task
	for _, t := range tasks {
		if running >= project.Queue.MaxConcurrent {
			break
		}
		if t.Status != task.StatusQueued {
			continue
		}
		if err := depgraph.CheckReady(t.ID, t.DependsOn, views); err != nil {
			continue
		}

		now := time.Now()
		if _, err := q.tasks.UpdateTask(ctx, &task.UpdateTaskRequest{
			ProjectID:    projectID,
			ID:           t.ID,
			Status:       task.StatusInProgress,
			ClearFailure: true,
			StartedAt:    &now,
		}); err != nil {
			return nil, nil, 0, 0, err
		}
		running++
		launches = append(launches, t)
	}

	return project, launches, running, len(tasks), nil
}

// submitLaunch hands the task to the bounded I/O pool without blocking
// the caller: when the pool is saturated, the handoff goroutine parks,
// not the admission path.
func (q *Queue) submitLaunch(project *task.Project, t *task.Task) {
	q.handoff.Go(func() {
		q.jobs.Go(func() {
			q.launch(project, t)
		})
	})
}

// launch provisions the workspace and spawns the worker. It runs on
// the I/O pool so slow storage never stalls admission for other tasks.
func (q *Queue) launch(project *task.Project, t *task.Task) {
	taskID := t.ID
	projectID := project.ID

	ctx := clog.ContextWithSlog(context.Background())
	clog.AddTaskID(ctx, taskID)

	current, err := q.tasks.GetTask(projectID, taskID)
	if err != nil {
		slog.Error("admitted task vanished", "task_id", taskID, "error", err)
		return
	}

	ws, err := q.prov.Provision(ctx, project, current)
	if err != nil {
		q.revert(ctx, projectID, taskID, cerr.ProvisioningFailed.String(), err)
		return
	}

	if _, err := q.tasks.UpdateTask(ctx, &task.UpdateTaskRequest{
		ProjectID: projectID,
		ID:        taskID,
		Worktree:  ws.Path,
		Branch:    ws.Branch,
	}); err != nil {
		slog.Warn("failed to record workspace", "task_id", taskID, "error", err)
	}

	if _, err := q.spawner.Spawn(current, ws); err != nil {
		kind := cerr.ExecutionFailed.String()
		if cerr.CodeOf(err) == cerr.RateLimited {
			kind = cerr.RateLimited.String()
		}
		q.revert(ctx, projectID, taskID, kind, err)
		return
	}

	q.publish(ctx, &event.TaskAdmittedData{
		TaskID:    taskID,
		ProjectID: projectID,
		Worktree:  ws.Path,
		Branch:    ws.Branch,
	})
}

// revert returns a task to the backlog with an error annotation. The
// task is never dropped: it stays visible and admissible once the
// cause clears.
func (q *Queue) revert(ctx context.Context, projectID, taskID, kind string, cause error) {
	slog.Warn("returning task to backlog", "task_id", taskID, "kind", kind, "error", cause)

	meta := cerr.MetaOf(cause)
	if meta == nil {
		meta = map[string]string{}
	}
	if _, err := q.tasks.UpdateTask(ctx, &task.UpdateTaskRequest{
		ProjectID: projectID,
		ID:        taskID,
		Status:    task.StatusQueued,
		Failure: &task.Failure{
			Kind:    kind,
			Message: cause.Error(),
			Meta:    meta,
			At:      time.Now(),
		},
	}); err != nil {
		slog.Error("failed to revert task to backlog", "task_id", taskID, "error", err)
	}
}

// ExplainBacklog reports why a queued task is not running: a disabled
// queue, an unmet or broken dependency, or an exhausted concurrency
// budget. A nil return means the task is admissible and the next pass
// picks it up.
func ExplainBacklog(p *task.Project, t *task.Task, all []*task.Task) error {
	if !p.Queue.Enabled {
		return cerr.New(cerr.QueueDisabled, "queue is disabled").
			WithMeta("project_id", p.ID)
	}

	views := make([]depgraph.TaskView, 0, len(all))
	running := 0
	for _, other := range all {
		if other.Running() {
			running++
		}
		views = append(views, depgraph.TaskView{ID: other.ID, DependsOn: other.DependsOn, Integrated: other.Integrated()})
	}

	if err := depgraph.CheckReady(t.ID, t.DependsOn, views); err != nil {
		return err
	}
	if running >= p.Queue.MaxConcurrent {
		return cerr.New(cerr.CapacityExhausted, "concurrency budget is full").
			WithMeta("running", strconv.Itoa(running)).
			WithMeta("max_concurrent", strconv.Itoa(p.Queue.MaxConcurrent))
	}
	return nil
}

// GetQueueStatus returns a snapshot of the project's queue.
func (q *Queue) GetQueueStatus(projectID string) (*Status, error) {
	project, err := q.projects.GetProject(projectID)
	if err != nil {
		return nil, err
	}

	tasks, err := q.tasks.ListTasks(projectID)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Enabled:       project.Queue.Enabled,
		MaxConcurrent: project.Queue.MaxConcurrent,
	}
	for _, t := range tasks {
		switch {
		case t.Running():
			status.Running++
		case t.Status == task.StatusQueued:
			status.Backlog++
		}
	}
	return status, nil
}

// Cancel kills a task's worker if one is running, marks the task
// rejected, and frees its slot. The workspace stays on disk for
// inspection.
func (q *Queue) Cancel(ctx context.Context, projectID, taskID string) error {
	if err := q.spawner.Kill(taskID); err != nil {
		return err
	}
	if _, err := q.tasks.CancelTask(ctx, projectID, taskID); err != nil {
		return err
	}
	// The worker's exit path re-triggers admission; when no worker was
	// alive, do it here.
	if !q.spawner.Alive(taskID) {
		if err := q.TriggerAdmission(ctx, projectID); err != nil {
			slog.Warn("admission pass after cancel failed", "project_id", projectID, "error", err)
		}
	}
	return nil
}

// OnWorkerExit is registered as the supervisor's exit callback: the
// freed slot immediately re-opens admission for the backlog.
func (q *Queue) OnWorkerExit(projectID, taskID string) {
	ctx := clog.ContextWithSlog(context.Background())
	clog.AddTaskID(ctx, taskID)
	if err := q.TriggerAdmission(ctx, projectID); err != nil {
		slog.Warn("admission pass after worker exit failed", "project_id", projectID, "error", err)
	}
}

// Configure updates the project's queue settings, clamping the budget
// to the admissible range before it is stored.
func (q *Queue) Configure(ctx context.Context, projectID string, cfg config.QueueConfig) error {
	lock := q.projectLock(projectID)
	lock.Lock()

	project, err := q.projects.GetProject(projectID)
	if err != nil {
		lock.Unlock()
		return err
	}
	project.Queue = cfg.Clamp()
	if err := q.projects.SaveProject(project); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	// A raised budget or re-enabled queue may unblock the backlog.
	return q.TriggerAdmission(ctx, projectID)
}

func (q *Queue) publishQueueChanged(ctx context.Context, projectID string, running, total int) {
	q.publish(ctx, &event.QueueChangedData{
		ProjectID: projectID,
		Running:   running,
		Queued:    total - running,
	})
}

func (q *Queue) publish(ctx context.Context, data any) {
	if q.bus == nil {
		return
	}
	if err := q.bus.Publish(ctx, "queue", data); err != nil {
		slog.Warn("failed to publish queue event", "error", err)
	}
}
