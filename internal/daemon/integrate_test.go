package daemon

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/taskforge/internal/config"
	"github.com/forgelabs/taskforge/internal/task"
	"github.com/forgelabs/taskforge/internal/workspace"
	"github.com/forgelabs/taskforge/pkg/cerr"
)

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func setupGitRepo(t *testing.T) string {
	t.Helper()

	repoRoot := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repoRoot, 0755))

	gitRun(t, repoRoot, "init")
	gitRun(t, repoRoot, "config", "user.email", "test@example.com")
	gitRun(t, repoRoot, "config", "user.name", "Test User")

	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "README.md"), []byte("# Test\n"), 0644))
	gitRun(t, repoRoot, "add", ".")
	gitRun(t, repoRoot, "commit", "-m", "Initial commit")

	return repoRoot
}

func newTestIntegration(t *testing.T, repoRoot string) (*Integration, *task.ServiceImpl, *workspace.Manager, *[]string) {
	t.Helper()

	repo := task.NewYAMLRepository(t.TempDir())
	svc := task.NewService(repo, nil)
	require.NoError(t, repo.SaveProject(&task.Project{
		ID:       "demo",
		RepoPath: repoRoot,
		Queue:    config.DefaultQueueConfig(),
	}))

	manager := workspace.NewManager(repoRoot, workspace.LocalRunner{})
	admitted := &[]string{}
	integ := &Integration{
		Tasks:    svc,
		Projects: repo,
		Manager:  func(string) *workspace.Manager { return manager },
		Admit: func(ctx context.Context, projectID string) error {
			*admitted = append(*admitted, projectID)
			return nil
		},
	}
	return integ, svc, manager, admitted
}

func TestIntegration_MergeMarksTaskAndTriggersAdmission(t *testing.T) {
	ctx := context.Background()
	repoRoot := setupGitRepo(t)
	integ, svc, manager, admitted := newTestIntegration(t, repoRoot)

	created, err := svc.CreateTask(ctx, &task.CreateTaskRequest{ProjectID: "demo", Title: "Add endpoint"})
	require.NoError(t, err)

	ws, err := manager.Create(ctx, created.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "endpoint.go"), []byte("package api\n"), 0644))
	gitRun(t, ws.Path, "add", ".")
	gitRun(t, ws.Path, "commit", "-m", "Add endpoint")

	_, err = svc.UpdateTask(ctx, &task.UpdateTaskRequest{ProjectID: "demo", ID: created.ID, Status: task.StatusReview})
	require.NoError(t, err)

	preview, err := integ.Merge(ctx, "demo", created.ID, workspace.MergeOptions{})
	require.NoError(t, err)
	require.NotNil(t, preview)
	assert.True(t, preview.Clean())

	got, err := svc.GetTask("demo", created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusMerged, got.Status)
	assert.Equal(t, []string{"demo"}, *admitted)

	// The branch landed on the base.
	assert.FileExists(t, filepath.Join(repoRoot, "endpoint.go"))
}

func TestIntegration_MergeRequiresReview(t *testing.T) {
	ctx := context.Background()
	repoRoot := setupGitRepo(t)
	integ, svc, _, admitted := newTestIntegration(t, repoRoot)

	created, err := svc.CreateTask(ctx, &task.CreateTaskRequest{ProjectID: "demo", Title: "Still queued"})
	require.NoError(t, err)

	_, err = integ.Merge(ctx, "demo", created.ID, workspace.MergeOptions{})
	assert.Equal(t, cerr.InvalidArgument, cerr.CodeOf(err))

	got, err := svc.GetTask("demo", created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Empty(t, *admitted)
}

func TestIntegration_StageOnlyLeavesTaskInReview(t *testing.T) {
	ctx := context.Background()
	repoRoot := setupGitRepo(t)
	integ, svc, manager, admitted := newTestIntegration(t, repoRoot)

	created, err := svc.CreateTask(ctx, &task.CreateTaskRequest{ProjectID: "demo", Title: "Staged"})
	require.NoError(t, err)

	ws, err := manager.Create(ctx, created.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "staged.go"), []byte("package api\n"), 0644))
	gitRun(t, ws.Path, "add", ".")
	gitRun(t, ws.Path, "commit", "-m", "Staged change")

	_, err = svc.UpdateTask(ctx, &task.UpdateTaskRequest{ProjectID: "demo", ID: created.ID, Status: task.StatusReview})
	require.NoError(t, err)

	_, err = integ.Merge(ctx, "demo", created.ID, workspace.MergeOptions{StageOnly: true})
	require.NoError(t, err)

	got, err := svc.GetTask("demo", created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReview, got.Status)
	assert.Empty(t, *admitted)
}

func TestIntegration_DiscardCancelsTask(t *testing.T) {
	ctx := context.Background()
	repoRoot := setupGitRepo(t)
	integ, svc, manager, _ := newTestIntegration(t, repoRoot)

	created, err := svc.CreateTask(ctx, &task.CreateTaskRequest{ProjectID: "demo", Title: "Abandoned"})
	require.NoError(t, err)
	ws, err := manager.Create(ctx, created.ID)
	require.NoError(t, err)

	require.NoError(t, integ.Discard(ctx, "demo", created.ID, false))

	got, err := svc.GetTask("demo", created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, got.Status)
	assert.NoDirExists(t, ws.Path)
}
