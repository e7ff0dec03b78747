package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/taskforge/internal/config"
	"github.com/forgelabs/taskforge/internal/supervisor"
	"github.com/forgelabs/taskforge/internal/task"
	"github.com/forgelabs/taskforge/internal/workspace"
	"github.com/forgelabs/taskforge/pkg/cerr"
)

const testProject = "demo"

type fakeProvisioner struct {
	err error
}

func (f *fakeProvisioner) Provision(ctx context.Context, project *task.Project, t *task.Task) (*workspace.Workspace, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &workspace.Workspace{
		TaskID: t.ID,
		Path:   "/tmp/worktrees/" + t.ID,
		Branch: "taskforge/" + t.ID,
	}, nil
}

type fakeSpawner struct {
	mu      sync.Mutex
	spawned []string
	alive   map[string]bool
	ch      chan string
	err     error
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{alive: make(map[string]bool), ch: make(chan string, 16)}
}

func (f *fakeSpawner) Spawn(t *task.Task, ws *workspace.Workspace) (supervisor.HandleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return supervisor.HandleInfo{}, f.err
	}
	f.spawned = append(f.spawned, t.ID)
	f.alive[t.ID] = true
	f.ch <- t.ID
	return supervisor.HandleInfo{TaskID: t.ID, PID: 4242}, nil
}

func (f *fakeSpawner) Kill(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, taskID)
	return nil
}

func (f *fakeSpawner) Alive(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[taskID]
}

func (f *fakeSpawner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func newTestQueue(t *testing.T, prov *fakeProvisioner, spawner *fakeSpawner) (*Queue, *task.ServiceImpl) {
	t.Helper()
	repo := task.NewYAMLRepository(t.TempDir())
	svc := task.NewService(repo, nil)
	q := New(svc, repo, prov, spawner, nil, 2)
	return q, svc
}

func waitSpawn(t *testing.T, spawner *fakeSpawner) string {
	t.Helper()
	select {
	case id := <-spawner.ch:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("no task was spawned in time")
		return ""
	}
}

func TestQueue_EnqueueAdmits(t *testing.T) {
	spawner := newFakeSpawner()
	q, svc := newTestQueue(t, &fakeProvisioner{}, spawner)
	ctx := context.Background()

	created, err := q.Enqueue(ctx, &task.CreateTaskRequest{ProjectID: testProject, Title: "Add login"})
	require.NoError(t, err)

	assert.Equal(t, created.ID, waitSpawn(t, spawner))
	q.Close()

	got, err := svc.GetTask(testProject, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.Equal(t, "/tmp/worktrees/"+created.ID, got.Worktree)
}

func TestQueue_RespectsConcurrencyBudget(t *testing.T) {
	spawner := newFakeSpawner()
	q, svc := newTestQueue(t, &fakeProvisioner{}, spawner)
	ctx := context.Background()

	require.NoError(t, q.Configure(ctx, testProject, config.QueueConfig{Enabled: true, MaxConcurrent: 1}))

	a, err := q.Enqueue(ctx, &task.CreateTaskRequest{ProjectID: testProject, Title: "first"})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, &task.CreateTaskRequest{ProjectID: testProject, Title: "second"})
	require.NoError(t, err)

	assert.Equal(t, a.ID, waitSpawn(t, spawner))

	// Repeated triggers admit nothing while the slot is taken.
	require.NoError(t, q.TriggerAdmission(ctx, testProject))
	require.NoError(t, q.TriggerAdmission(ctx, testProject))

	status, err := q.GetQueueStatus(testProject)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Running)
	assert.Equal(t, 1, status.Backlog)
	assert.Equal(t, 1, status.MaxConcurrent)

	// The worker finishing frees the slot and admits the next task.
	_, err = svc.UpdateTask(ctx, &task.UpdateTaskRequest{ProjectID: testProject, ID: a.ID, Status: task.StatusMerged})
	require.NoError(t, err)
	require.NoError(t, spawner.Kill(a.ID))
	q.OnWorkerExit(testProject, a.ID)

	assert.Equal(t, b.ID, waitSpawn(t, spawner))
	q.Close()
	assert.Equal(t, 2, spawner.spawnCount())
}

// stalledProvisioner parks its first call until released, simulating a
// hung checkout holding an I/O worker.
type stalledProvisioner struct {
	once    sync.Once
	started chan string
	release chan struct{}
}

func (p *stalledProvisioner) Provision(ctx context.Context, project *task.Project, t *task.Task) (*workspace.Workspace, error) {
	p.once.Do(func() {
		p.started <- t.ID
		<-p.release
	})
	return &workspace.Workspace{
		TaskID: t.ID,
		Path:   "/tmp/worktrees/" + t.ID,
		Branch: "taskforge/" + t.ID,
	}, nil
}

func TestQueue_SlowProvisioningDoesNotStallAdmission(t *testing.T) {
	spawner := newFakeSpawner()
	prov := &stalledProvisioner{started: make(chan string, 1), release: make(chan struct{})}
	repo := task.NewYAMLRepository(t.TempDir())
	svc := task.NewService(repo, nil)
	q := New(svc, repo, prov, spawner, nil, 1)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &task.CreateTaskRequest{ProjectID: testProject, Title: "slow checkout"})
	require.NoError(t, err)
	// The single I/O worker is now parked inside provisioning.
	<-prov.started

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := q.Enqueue(ctx, &task.CreateTaskRequest{ProjectID: testProject, Title: "queued behind"})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue stalled behind a provisioning job")
	}

	close(prov.release)
	waitSpawn(t, spawner)
	waitSpawn(t, spawner)
	q.Close()
}

func TestQueue_DependencyGatesAdmission(t *testing.T) {
	spawner := newFakeSpawner()
	q, svc := newTestQueue(t, &fakeProvisioner{}, spawner)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, &task.CreateTaskRequest{ProjectID: testProject, Title: "schema"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, waitSpawn(t, spawner))

	b, err := q.Enqueue(ctx, &task.CreateTaskRequest{
		ProjectID: testProject,
		Title:     "endpoints",
		DependsOn: []string{a.ID},
	})
	require.NoError(t, err)

	// Capacity is free but the dependency is not integrated yet.
	got, err := svc.GetTask(testProject, b.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)

	// Once A is merged the same task becomes admissible without being
	// re-enqueued.
	_, err = svc.UpdateTask(ctx, &task.UpdateTaskRequest{ProjectID: testProject, ID: a.ID, Status: task.StatusMerged})
	require.NoError(t, err)
	require.NoError(t, q.TriggerAdmission(ctx, testProject))

	assert.Equal(t, b.ID, waitSpawn(t, spawner))
	q.Close()
}

func TestQueue_ProvisioningFailureRevertsToBacklog(t *testing.T) {
	spawner := newFakeSpawner()
	prov := &fakeProvisioner{err: errors.New("disk full")}
	q, svc := newTestQueue(t, prov, spawner)
	ctx := context.Background()

	created, err := q.Enqueue(ctx, &task.CreateTaskRequest{ProjectID: testProject, Title: "doomed"})
	require.NoError(t, err)
	q.Close()

	got, err := svc.GetTask(testProject, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	require.NotNil(t, got.Failure)
	assert.Equal(t, cerr.ProvisioningFailed.String(), got.Failure.Kind)
	assert.Contains(t, got.Failure.Message, "disk full")
	assert.Zero(t, spawner.spawnCount())
}

func TestQueue_DisabledQueueAdmitsNothing(t *testing.T) {
	spawner := newFakeSpawner()
	q, svc := newTestQueue(t, &fakeProvisioner{}, spawner)
	ctx := context.Background()

	require.NoError(t, q.Configure(ctx, testProject, config.QueueConfig{Enabled: false, MaxConcurrent: 3}))

	created, err := q.Enqueue(ctx, &task.CreateTaskRequest{ProjectID: testProject, Title: "waiting"})
	require.NoError(t, err)
	q.Close()

	got, err := svc.GetTask(testProject, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Zero(t, spawner.spawnCount())
}

func TestQueue_Cancel(t *testing.T) {
	spawner := newFakeSpawner()
	q, svc := newTestQueue(t, &fakeProvisioner{}, spawner)
	ctx := context.Background()

	created, err := q.Enqueue(ctx, &task.CreateTaskRequest{ProjectID: testProject, Title: "to cancel"})
	require.NoError(t, err)
	waitSpawn(t, spawner)
	q.Close()

	require.NoError(t, q.Cancel(ctx, testProject, created.ID))

	got, err := svc.GetTask(testProject, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, got.Status)
	assert.False(t, spawner.Alive(created.ID))
}

func TestExplainBacklog(t *testing.T) {
	project := &task.Project{ID: testProject, Queue: config.QueueConfig{Enabled: true, MaxConcurrent: 1}}
	merged := &task.Task{ID: "TASK-001", Status: task.StatusMerged}
	running := &task.Task{ID: "TASK-002", Status: task.StatusInProgress}
	waiting := &task.Task{ID: "TASK-003", Status: task.StatusQueued, DependsOn: []string{"TASK-002"}}
	ready := &task.Task{ID: "TASK-004", Status: task.StatusQueued, DependsOn: []string{"TASK-001"}}
	all := []*task.Task{merged, running, waiting, ready}

	// Unmet dependency wins over capacity.
	err := ExplainBacklog(project, waiting, all)
	assert.Equal(t, cerr.DependencyUnmet, cerr.CodeOf(err))

	// Ready but the budget is full.
	err = ExplainBacklog(project, ready, all)
	assert.Equal(t, cerr.CapacityExhausted, cerr.CodeOf(err))

	// A freed slot makes it admissible.
	project.Queue.MaxConcurrent = 2
	assert.NoError(t, ExplainBacklog(project, ready, all))

	// A paused queue explains everything.
	project.Queue.Enabled = false
	err = ExplainBacklog(project, ready, all)
	assert.Equal(t, cerr.QueueDisabled, cerr.CodeOf(err))
}

func TestQueue_ConfigureClampsBudget(t *testing.T) {
	spawner := newFakeSpawner()
	q, _ := newTestQueue(t, &fakeProvisioner{}, spawner)
	ctx := context.Background()

	require.NoError(t, q.Configure(ctx, testProject, config.QueueConfig{Enabled: true, MaxConcurrent: 100}))

	status, err := q.GetQueueStatus(testProject)
	require.NoError(t, err)
	assert.Equal(t, config.MaxConcurrent, status.MaxConcurrent)
	q.Close()
}
