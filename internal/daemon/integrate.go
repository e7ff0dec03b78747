package daemon

import (
	"context"
	"log/slog"

	"github.com/forgelabs/taskforge/internal/event"
	"github.com/forgelabs/taskforge/internal/task"
	"github.com/forgelabs/taskforge/internal/workspace"
	"github.com/forgelabs/taskforge/pkg/cerr"
)

// Integration is the merge and discard flow over a project's
// workspaces. The daemon runs it with a live bus and queue; the CLI
// runs it against the data directory with neither, in which case the
// daemon's periodic admission pass picks up whatever the merge
// unblocked.
type Integration struct {
	Tasks    task.Service
	Projects ProjectReader
	Manager  func(repoPath string) *workspace.Manager

	// Optional. A nil bus publishes nothing; a nil Admit skips the
	// post-merge admission pass.
	Bus   *event.Bus
	Admit func(ctx context.Context, projectID string) error
}

// ProjectReader resolves a project's settings, in particular its
// repository root.
type ProjectReader interface {
	GetProject(projectID string) (*task.Project, error)
}

// Merge integrates a reviewed task's branch into the project's base
// branch and marks the task merged, which may make dependents
// admissible.
func (i *Integration) Merge(ctx context.Context, projectID, taskID string, opts workspace.MergeOptions) (*workspace.MergePreview, error) {
	t, err := i.Tasks.GetTask(projectID, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusReview {
		return nil, cerr.New(cerr.InvalidArgument, "only tasks in review can be merged").
			WithMeta("task_id", taskID).
			WithMeta("status", string(t.Status))
	}

	project, err := i.Projects.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	manager := i.Manager(project.RepoPath)
	ws, err := manager.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	preview, err := manager.Merge(ctx, ws, opts)
	if err != nil {
		return preview, err
	}
	if opts.StageOnly {
		return preview, nil
	}

	if _, err := i.Tasks.UpdateTask(ctx, &task.UpdateTaskRequest{
		ProjectID: projectID,
		ID:        taskID,
		Status:    task.StatusMerged,
	}); err != nil {
		return preview, err
	}
	i.publish(ctx, taskID, &event.WorkspaceMergedData{
		TaskID: taskID,
		Branch: ws.Branch,
		Target: ws.BaseRef,
	})

	// Dependents waiting on this task can run now.
	if i.Admit != nil {
		if err := i.Admit(ctx, projectID); err != nil {
			slog.Warn("admission pass after merge failed", "project_id", projectID, "error", err)
		}
	}
	return preview, nil
}

// Discard removes a task's workspace, if one exists, and marks the
// task rejected.
func (i *Integration) Discard(ctx context.Context, projectID, taskID string, force bool) error {
	project, err := i.Projects.GetProject(projectID)
	if err != nil {
		return err
	}
	manager := i.Manager(project.RepoPath)
	if ws, err := manager.Get(ctx, taskID); err == nil {
		if err := manager.Discard(ctx, ws, force); err != nil {
			return err
		}
	}

	if _, err := i.Tasks.CancelTask(ctx, projectID, taskID); err != nil {
		return err
	}
	i.publish(ctx, taskID, &event.WorkspaceDiscardedData{
		TaskID: taskID,
		Forced: force,
	})
	return nil
}

func (i *Integration) publish(ctx context.Context, taskID string, data any) {
	if i.Bus == nil {
		return
	}
	if err := i.Bus.Publish(ctx, "workspace", data); err != nil {
		slog.Warn("failed to publish workspace event", "task_id", taskID, "error", err)
	}
}
