package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/taskforge/internal/config"
	"github.com/forgelabs/taskforge/internal/protocol"
	"github.com/forgelabs/taskforge/internal/task"
	"github.com/forgelabs/taskforge/internal/workspace"
	"github.com/forgelabs/taskforge/pkg/cerr"
	"github.com/forgelabs/taskforge/pkg/storage"
)

// recordingUpdater collects every task update the supervisor makes.
type recordingUpdater struct {
	mu      sync.Mutex
	current task.Task
}

func (r *recordingUpdater) UpdateTask(ctx context.Context, req *task.UpdateTaskRequest) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current.Apply(req)
	copied := r.current
	return &copied, nil
}

func (r *recordingUpdater) snapshot() task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// writeWorker writes an executable shell script that plays the worker.
func writeWorker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func newTestSupervisor(t *testing.T, agent string) (*Supervisor, *recordingUpdater, chan string) {
	t.Helper()

	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	updater := &recordingUpdater{current: task.Task{
		ID:        "TASK-001",
		ProjectID: "demo",
		Status:    task.StatusInProgress,
	}}

	cfg := config.SupervisorEnv{
		AgentCommand:        agent,
		LivenessTimeout:     4 * time.Second,
		RateLimitCooldown:   time.Minute,
		RateLimitMaxRetries: 2,
		IOWorkers:           2,
	}

	sup := New(cfg, updater, nil, store)
	exited := make(chan string, 1)
	sup.SetOnExit(func(projectID, taskID string) { exited <- taskID })
	t.Cleanup(sup.Shutdown)

	return sup, updater, exited
}

func testTaskAndWorkspace(t *testing.T) (*task.Task, *workspace.Workspace) {
	t.Helper()
	dir := t.TempDir()
	return &task.Task{ID: "TASK-001", ProjectID: "demo", Title: "Add login", Status: task.StatusInProgress},
		&workspace.Workspace{TaskID: "TASK-001", Path: dir, Branch: "taskforge/task-001-abc123"}
}

func waitExit(t *testing.T, exited chan string) {
	t.Helper()
	select {
	case <-exited:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit in time")
	}
}

func TestSupervisor_CompleteRun(t *testing.T) {
	agent := writeWorker(t, `
echo "booting agent for $TASKFORGE_TASK_ID"
echo 'TASKFORGE_PROGRESS {"phase":"planning","message":"drafting plan"}'
echo 'TASKFORGE_PROGRESS {"phase":"coding","progress":50,"subtask":"handlers"}'
echo 'TASKFORGE_PROGRESS {"phase":"complete"}'
`)
	sup, updater, exited := newTestSupervisor(t, agent)
	tk, ws := testTaskAndWorkspace(t)

	info, err := sup.Spawn(tk, ws)
	require.NoError(t, err)
	assert.Equal(t, "TASK-001", info.TaskID)
	assert.NotZero(t, info.PID)

	waitExit(t, exited)

	got := updater.snapshot()
	assert.Equal(t, task.StatusReview, got.Status)
	assert.Equal(t, protocol.PhaseComplete, got.Phase)
	assert.Nil(t, got.Failure)
	require.NotNil(t, got.CompletedAt)
	require.Len(t, got.Subtasks, 1)
	assert.Equal(t, "handlers", got.Subtasks[0].Title)

	// The handle is gone and the log was captured.
	assert.False(t, sup.Alive("TASK-001"))
	log, err := sup.store.Read(context.Background(), storage.TaskLogKey("TASK-001"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "booting agent for TASK-001")
}

func TestSupervisor_WorkerEnvCarriesArtifactDir(t *testing.T) {
	agent := writeWorker(t, `
mkdir -p "$TASKFORGE_ARTIFACT_DIR"
echo "goal: demo" > "$TASKFORGE_ARTIFACT_DIR/plan.yaml"
echo 'TASKFORGE_PROGRESS {"phase":"complete"}'
`)
	sup, _, exited := newTestSupervisor(t, agent)
	tk, ws := testTaskAndWorkspace(t)

	_, err := sup.Spawn(tk, ws)
	require.NoError(t, err)
	waitExit(t, exited)

	// The worker wrote its plan where the health checks read it.
	plan, err := sup.store.Read(context.Background(), storage.TaskPlanKey("TASK-001"))
	require.NoError(t, err)
	assert.Contains(t, string(plan), "goal: demo")
}

func TestSupervisor_TerminalPhaseTeardown(t *testing.T) {
	agent := writeWorker(t, `
echo 'TASKFORGE_PROGRESS {"phase":"complete"}'
sleep 60
`)
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	updater := &recordingUpdater{current: task.Task{ID: "TASK-001", ProjectID: "demo", Status: task.StatusInProgress}}
	cfg := config.SupervisorEnv{
		AgentCommand:        agent,
		LivenessTimeout:     time.Minute,
		RateLimitCooldown:   time.Minute,
		RateLimitMaxRetries: 2,
		TerminalGrace:       500 * time.Millisecond,
	}
	sup := New(cfg, updater, nil, store)
	exited := make(chan string, 1)
	sup.SetOnExit(func(projectID, taskID string) { exited <- taskID })
	t.Cleanup(sup.Shutdown)

	tk, ws := testTaskAndWorkspace(t)
	_, err = sup.Spawn(tk, ws)
	require.NoError(t, err)

	// The worker hangs after reporting complete; the grace period
	// expires, the process group is torn down and the reported phase
	// still decides the outcome.
	waitExit(t, exited)
	got := updater.snapshot()
	assert.Equal(t, task.StatusReview, got.Status)
	assert.False(t, sup.Alive("TASK-001"))
}

func TestSupervisor_AbnormalExit(t *testing.T) {
	agent := writeWorker(t, `
echo 'TASKFORGE_PROGRESS {"phase":"coding"}'
echo "panic: something broke" >&2
exit 2
`)
	sup, updater, exited := newTestSupervisor(t, agent)
	tk, ws := testTaskAndWorkspace(t)

	_, err := sup.Spawn(tk, ws)
	require.NoError(t, err)
	waitExit(t, exited)

	got := updater.snapshot()
	assert.Equal(t, task.StatusError, got.Status)
	require.NotNil(t, got.Failure)
	assert.Equal(t, cerr.ExecutionFailed.String(), got.Failure.Kind)
}

func TestSupervisor_ExitWithoutTerminalPhaseIsStuck(t *testing.T) {
	agent := writeWorker(t, `
echo 'TASKFORGE_PROGRESS {"phase":"coding"}'
exit 0
`)
	sup, updater, exited := newTestSupervisor(t, agent)
	tk, ws := testTaskAndWorkspace(t)

	_, err := sup.Spawn(tk, ws)
	require.NoError(t, err)
	waitExit(t, exited)

	got := updater.snapshot()
	assert.Equal(t, task.StatusInProgress, got.Status, "stuck is surfaced, not failed")
	require.NotNil(t, got.Failure)
	assert.Equal(t, task.FailureStuck, got.Failure.Kind)
}

func TestSupervisor_RateLimitCooldown(t *testing.T) {
	agent := writeWorker(t, `
echo "provider says: 429 Too Many Requests"
exit 1
`)
	sup, updater, exited := newTestSupervisor(t, agent)
	tk, ws := testTaskAndWorkspace(t)

	_, err := sup.Spawn(tk, ws)
	require.NoError(t, err)
	waitExit(t, exited)

	got := updater.snapshot()
	require.NotNil(t, got.Failure)
	assert.Equal(t, cerr.RateLimited.String(), got.Failure.Kind)
	assert.NotEmpty(t, got.Failure.Meta["retry_at"])

	// Respawning during the cool-down is refused.
	_, err = sup.Spawn(tk, ws)
	assert.Equal(t, cerr.RateLimited, cerr.CodeOf(err))
}

func TestSupervisor_Kill(t *testing.T) {
	agent := writeWorker(t, `
echo 'TASKFORGE_PROGRESS {"phase":"coding"}'
sleep 60
`)
	sup, updater, exited := newTestSupervisor(t, agent)
	tk, ws := testTaskAndWorkspace(t)

	_, err := sup.Spawn(tk, ws)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sup.Alive("TASK-001") }, time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Kill("TASK-001"))
	waitExit(t, exited)

	// The killed worker must not overwrite the task's state, and the
	// workspace directory survives for inspection.
	got := updater.snapshot()
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.DirExists(t, ws.Path)

	// Killing an already-dead task is a no-op.
	assert.NoError(t, sup.Kill("TASK-001"))
}

func TestSupervisor_DuplicateSpawn(t *testing.T) {
	agent := writeWorker(t, "sleep 60\n")
	sup, _, exited := newTestSupervisor(t, agent)
	tk, ws := testTaskAndWorkspace(t)

	_, err := sup.Spawn(tk, ws)
	require.NoError(t, err)

	_, err = sup.Spawn(tk, ws)
	assert.Equal(t, cerr.AlreadyExists, cerr.CodeOf(err))

	require.NoError(t, sup.Kill(tk.ID))
	waitExit(t, exited)
}

func TestSupervisor_LivenessTimeoutFlagsStuck(t *testing.T) {
	agent := writeWorker(t, `
echo 'TASKFORGE_PROGRESS {"phase":"coding"}'
sleep 3
echo 'TASKFORGE_PROGRESS {"phase":"complete"}'
`)
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	updater := &recordingUpdater{current: task.Task{ID: "TASK-001", ProjectID: "demo", Status: task.StatusInProgress}}
	cfg := config.SupervisorEnv{
		AgentCommand:        agent,
		LivenessTimeout:     500 * time.Millisecond,
		RateLimitCooldown:   time.Minute,
		RateLimitMaxRetries: 2,
	}
	sup := New(cfg, updater, nil, store)
	exited := make(chan string, 1)
	sup.SetOnExit(func(projectID, taskID string) { exited <- taskID })
	t.Cleanup(sup.Shutdown)

	tk, ws := testTaskAndWorkspace(t)
	_, err = sup.Spawn(tk, ws)
	require.NoError(t, err)

	// The silent worker is flagged stuck but keeps running.
	require.Eventually(t, func() bool {
		got := updater.snapshot()
		return got.Failure != nil && got.Failure.Kind == task.FailureStuck
	}, 3*time.Second, 50*time.Millisecond)
	assert.True(t, sup.Alive("TASK-001"))

	// It then finishes normally and the stuck flag is cleared.
	waitExit(t, exited)
	got := updater.snapshot()
	assert.Equal(t, task.StatusReview, got.Status)
	assert.Nil(t, got.Failure)
}

func TestIsRateLimitLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"Error: rate limit exceeded", true},
		{"HTTP 429 from provider", true},
		{"quota exceeded for project", true},
		{"server overloaded, retrying", true},
		{"RATE_LIMIT hit", true},
		{"writing file 429 bytes long... nope, plain text", true},
		{"compiling module", false},
		{"generated 1429 tokens", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRateLimitLine(tt.line), tt.line)
	}
}
