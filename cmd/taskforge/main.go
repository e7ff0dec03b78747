package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/forgelabs/taskforge/internal/config"
	"github.com/forgelabs/taskforge/internal/daemon"
	"github.com/forgelabs/taskforge/internal/health"
	"github.com/forgelabs/taskforge/internal/queue"
	"github.com/forgelabs/taskforge/internal/task"
	"github.com/forgelabs/taskforge/internal/workspace"
	"github.com/forgelabs/taskforge/pkg/storage"
)

var (
	app     = kingpin.New("taskforge", "Task orchestration for concurrent AI coding agents")
	project = app.Flag("project", "Project ID").Default("default").String()

	runCmd = app.Command("run", "Run the orchestrator daemon")

	createCmd     = app.Command("create", "Create a new task")
	createTitle   = createCmd.Arg("title", "Task title").Required().String()
	createDesc    = createCmd.Flag("description", "Task description").String()
	createDepends = createCmd.Flag("depends", "Task IDs this task depends on").Strings()

	listCmd = app.Command("list", "List tasks")

	showCmd = app.Command("show", "Show task details")
	showID  = showCmd.Arg("id", "Task ID").Required().String()

	cancelCmd = app.Command("cancel", "Cancel a task")
	cancelID  = cancelCmd.Arg("id", "Task ID").Required().String()

	depsCmd = app.Command("deps", "Replace a task's dependencies")
	depsID  = depsCmd.Arg("id", "Task ID").Required().String()
	depsOn  = depsCmd.Arg("depends-on", "Dependency task IDs").Strings()

	queueCmd       = app.Command("queue", "Queue management")
	queueStatusCmd = queueCmd.Command("status", "Show queue status")
	queueSetCmd    = queueCmd.Command("set", "Update queue settings")
	queueSetMax    = queueSetCmd.Flag("max-concurrent", "Concurrency budget").Default("3").Int()
	queueSetOff    = queueSetCmd.Flag("disabled", "Pause admission").Bool()

	healthCmd     = app.Command("health", "Health checks")
	healthScanCmd = healthCmd.Command("scan", "Scan tasks for issues")

	wsCmd = app.Command("ws", "Workspace management")

	wsDiffCmd = wsCmd.Command("diff", "Show workspace changes against the base")
	wsDiffID  = wsDiffCmd.Arg("id", "Task ID").Required().String()

	wsPreviewCmd = wsCmd.Command("preview", "Preview merging a workspace")
	wsPreviewID  = wsPreviewCmd.Arg("id", "Task ID").Required().String()

	wsMergeCmd  = wsCmd.Command("merge", "Merge a workspace into the base branch")
	wsMergeID   = wsMergeCmd.Arg("id", "Task ID").Required().String()
	wsMergeMsg  = wsMergeCmd.Flag("message", "Merge commit message").String()
	wsMergeStay = wsMergeCmd.Flag("stage-only", "Stage the merge without committing").Bool()

	wsDiscardCmd   = wsCmd.Command("discard", "Discard a workspace and its branch")
	wsDiscardID    = wsDiscardCmd.Arg("id", "Task ID").Required().String()
	wsDiscardForce = wsDiscardCmd.Flag("force", "Discard even with uncommitted changes").Bool()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	env, err := config.LoadEnv()
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if command == runCmd.FullCommand() {
		runDaemon(ctx, env)
		return
	}

	c, err := newClient(env)
	if err != nil {
		fatal(err)
	}

	switch command {
	case createCmd.FullCommand():
		err = c.createTask(ctx, *createTitle, *createDesc, *createDepends)
	case listCmd.FullCommand():
		err = c.listTasks()
	case showCmd.FullCommand():
		err = c.showTask(*showID)
	case cancelCmd.FullCommand():
		err = c.cancelTask(ctx, *cancelID)
	case depsCmd.FullCommand():
		err = c.setDependencies(ctx, *depsID, *depsOn)
	case queueStatusCmd.FullCommand():
		err = c.queueStatus()
	case queueSetCmd.FullCommand():
		err = c.queueSet(*queueSetMax, !*queueSetOff)
	case healthScanCmd.FullCommand():
		err = c.healthScan(ctx)
	case wsDiffCmd.FullCommand():
		err = c.workspaceDiff(ctx, *wsDiffID)
	case wsPreviewCmd.FullCommand():
		err = c.workspacePreview(ctx, *wsPreviewID)
	case wsMergeCmd.FullCommand():
		err = c.workspaceMerge(ctx, *wsMergeID, *wsMergeMsg, *wsMergeStay)
	case wsDiscardCmd.FullCommand():
		err = c.workspaceDiscard(ctx, *wsDiscardID, *wsDiscardForce)
	}
	if err != nil {
		fatal(err)
	}
}

func runDaemon(ctx context.Context, env *config.Env) {
	d, err := daemon.New(ctx, env)
	if err != nil {
		fatal(err)
	}
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		fatal(err)
	}
	fmt.Println("daemon stopped")
}

// client operates directly on the data directory. Task inspection and
// workspace management work against the same YAML store the daemon
// uses; a running daemon picks up queue setting changes on its next
// admission pass.
type client struct {
	projectID  string
	repository *task.YAMLRepository
	tasks      task.Service
	store      storage.Store
}

func newClient(env *config.Env) (*client, error) {
	repository := task.NewYAMLRepository(env.DataDir)
	store, err := storage.NewLocal(filepath.Join(env.DataDir, "artifacts"))
	if err != nil {
		return nil, err
	}
	return &client{
		projectID:  *project,
		repository: repository,
		tasks:      task.NewService(repository, nil),
		store:      store,
	}, nil
}

func (c *client) createTask(ctx context.Context, title, description string, dependsOn []string) error {
	t, err := c.tasks.CreateTask(ctx, &task.CreateTaskRequest{
		ProjectID:   c.projectID,
		Title:       title,
		Description: description,
		DependsOn:   dependsOn,
	})
	if err != nil {
		return err
	}
	fmt.Printf("created %s: %s\n", t.ID, t.Title)
	return nil
}

func (c *client) listTasks() error {
	tasks, err := c.tasks.ListTasks(c.projectID)
	if err != nil {
		return err
	}
	printTaskTable(tasks)
	return nil
}

func (c *client) showTask(id string) error {
	t, err := c.tasks.GetTask(c.projectID, id)
	if err != nil {
		return err
	}
	printTaskDetail(t)

	if t.Status == task.StatusQueued {
		p, err := c.repository.GetProject(c.projectID)
		if err != nil {
			return err
		}
		all, err := c.tasks.ListTasks(c.projectID)
		if err != nil {
			return err
		}
		if reason := queue.ExplainBacklog(p, t, all); reason != nil {
			fmt.Printf("  waiting:  %v\n", reason)
		}
	}
	return nil
}

func (c *client) cancelTask(ctx context.Context, id string) error {
	t, err := c.tasks.CancelTask(ctx, c.projectID, id)
	if err != nil {
		return err
	}
	fmt.Printf("cancelled %s\n", t.ID)
	return nil
}

func (c *client) setDependencies(ctx context.Context, id string, dependsOn []string) error {
	t, err := c.tasks.SetDependencies(ctx, c.projectID, id, dependsOn)
	if err != nil {
		return err
	}
	fmt.Printf("%s now depends on %v\n", t.ID, t.DependsOn)
	return nil
}

func (c *client) queueStatus() error {
	p, err := c.repository.GetProject(c.projectID)
	if err != nil {
		return err
	}
	tasks, err := c.tasks.ListTasks(c.projectID)
	if err != nil {
		return err
	}

	running, backlog := 0, 0
	for _, t := range tasks {
		switch {
		case t.Running():
			running++
		case t.Status == task.StatusQueued:
			backlog++
		}
	}
	printQueueStatus(p.Queue.Enabled, running, backlog, p.Queue.MaxConcurrent)
	return nil
}

func (c *client) queueSet(maxConcurrent int, enabled bool) error {
	p, err := c.repository.GetProject(c.projectID)
	if err != nil {
		return err
	}
	p.Queue.MaxConcurrent = maxConcurrent
	p.Queue.Enabled = enabled
	p.Queue = p.Queue.Clamp()
	if err := c.repository.SaveProject(p); err != nil {
		return err
	}
	fmt.Printf("queue updated: enabled=%v max_concurrent=%d\n", p.Queue.Enabled, p.Queue.MaxConcurrent)
	return nil
}

func (c *client) healthScan(ctx context.Context) error {
	// Process liveness is not observable from outside the daemon, so a
	// CLI scan treats every running task as process-less. Stuck findings
	// here mean "no live worker in this process tree".
	monitor := health.NewMonitor(c.tasks, noProcesses{}, c.store)
	reports, err := monitor.ScanProject(ctx, c.projectID)
	if err != nil {
		return err
	}
	printHealthReports(reports)
	return nil
}

type noProcesses struct{}

func (noProcesses) Alive(string) bool { return false }

func (c *client) manager() (*workspace.Manager, error) {
	p, err := c.repository.GetProject(c.projectID)
	if err != nil {
		return nil, err
	}
	if p.RepoPath == "" {
		return nil, fmt.Errorf("project %s has no repository path configured", c.projectID)
	}
	return workspace.NewManager(p.RepoPath, &workspace.LocalRunner{}), nil
}

func (c *client) workspaceOf(ctx context.Context, id string) (*workspace.Manager, *workspace.Workspace, error) {
	m, err := c.manager()
	if err != nil {
		return nil, nil, err
	}
	ws, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return m, ws, nil
}

func (c *client) workspaceDiff(ctx context.Context, id string) error {
	m, ws, err := c.workspaceOf(ctx, id)
	if err != nil {
		return err
	}
	diff, err := m.Diff(ctx, ws)
	if err != nil {
		return err
	}
	fmt.Print(diff)
	return nil
}

func (c *client) workspacePreview(ctx context.Context, id string) error {
	m, ws, err := c.workspaceOf(ctx, id)
	if err != nil {
		return err
	}
	preview, err := m.PreviewMerge(ctx, ws)
	if err != nil {
		return err
	}
	printMergePreview(preview)
	return nil
}

// integration is the same merge and discard flow the daemon runs,
// minus its bus and queue: task status changes land in the YAML store
// and the daemon's periodic admission pass picks up the consequences.
func (c *client) integration() *daemon.Integration {
	return &daemon.Integration{
		Tasks:    c.tasks,
		Projects: c.repository,
		Manager: func(repoPath string) *workspace.Manager {
			return workspace.NewManager(repoPath, &workspace.LocalRunner{})
		},
	}
}

func (c *client) workspaceMerge(ctx context.Context, id, message string, stageOnly bool) error {
	if _, err := c.manager(); err != nil {
		return err
	}
	if _, err := c.integration().Merge(ctx, c.projectID, id, workspace.MergeOptions{
		StageOnly:     stageOnly,
		CommitMessage: message,
	}); err != nil {
		return err
	}
	if stageOnly {
		fmt.Printf("staged merge of %s\n", id)
		return nil
	}
	fmt.Printf("merged %s\n", id)
	return nil
}

func (c *client) workspaceDiscard(ctx context.Context, id string, force bool) error {
	if _, err := c.manager(); err != nil {
		return err
	}
	if err := c.integration().Discard(ctx, c.projectID, id, force); err != nil {
		return err
	}
	fmt.Printf("discarded %s\n", id)
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
