// Package daemon wires the orchestrator components together and owns
// their lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"gopkg.in/yaml.v3"

	"github.com/forgelabs/taskforge/internal/config"
	"github.com/forgelabs/taskforge/internal/event"
	"github.com/forgelabs/taskforge/internal/health"
	"github.com/forgelabs/taskforge/internal/queue"
	"github.com/forgelabs/taskforge/internal/supervisor"
	"github.com/forgelabs/taskforge/internal/task"
	"github.com/forgelabs/taskforge/internal/workspace"
	"github.com/forgelabs/taskforge/pkg/clog"
	"github.com/forgelabs/taskforge/pkg/storage"
)

// admissionInterval is how often the daemon re-checks every project's
// backlog, independent of event-driven triggers.
const admissionInterval = 30 * time.Second

// Daemon is the long-running orchestrator process.
type Daemon struct {
	env         *config.Env
	bus         *event.Bus
	store       storage.Store
	repository  *task.YAMLRepository
	tasks       task.Service
	supervisor  *supervisor.Supervisor
	queue       *queue.Queue
	monitor     *health.Monitor
	provisioner *provisioner
	localRoot   string

	wg conc.WaitGroup
}

// New constructs a daemon from environment configuration. Nothing is
// started; call Run.
func New(ctx context.Context, env *config.Env) (*Daemon, error) {
	slog.SetDefault(clog.NewLogger(env.SlogLevel()))

	bus, err := event.NewBus()
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	var store storage.Store
	localRoot := ""
	switch env.Type {
	case "s3":
		store, err = storage.NewS3(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 storage: %w", err)
		}
	default:
		local, err := storage.NewLocal(filepath.Join(env.DataDir, "artifacts"))
		if err != nil {
			return nil, fmt.Errorf("failed to create local storage: %w", err)
		}
		store = local
		localRoot = local.BasePath()
	}

	repository := task.NewYAMLRepository(env.DataDir)
	tasks := task.NewService(repository, bus)

	sup := supervisor.New(env.SupervisorEnv, tasks, bus, store)
	prov := newProvisioner()
	q := queue.New(tasks, repository, prov, sup, bus, env.IOWorkers)
	sup.SetOnExit(q.OnWorkerExit)

	monitor := health.NewMonitor(tasks, sup, store)

	eventLogger, err := event.NewLogger(filepath.Join(env.DataDir, "events"))
	if err != nil {
		return nil, fmt.Errorf("failed to create event logger: %w", err)
	}
	event.RegisterLogger(bus, eventLogger)

	// Operator-facing lifecycle lines; the NDJSON logger keeps the full
	// stream, these surface the outcomes worth seeing in the daemon log.
	event.Subscribe(bus, event.TaskCompleted, "log_task_completed",
		func(ctx context.Context, ev *event.Event[event.TaskCompletedData]) error {
			slog.Info("task completed", "task_id", ev.Data.TaskID, "project_id", ev.Data.ProjectID)
			return nil
		})
	event.Subscribe(bus, event.TaskFailed, "log_task_failed",
		func(ctx context.Context, ev *event.Event[event.TaskFailedData]) error {
			slog.Warn("task failed", "task_id", ev.Data.TaskID, "kind", ev.Data.Kind, "message", ev.Data.Message)
			return nil
		})
	event.Subscribe(bus, event.TaskStuck, "log_task_stuck",
		func(ctx context.Context, ev *event.Event[event.TaskStuckData]) error {
			slog.Warn("task stuck", "task_id", ev.Data.TaskID, "silent_seconds", ev.Data.SilentSeconds)
			return nil
		})

	hooks, err := loadHooks(filepath.Join(env.DataDir, "hooks.yaml"))
	if err != nil {
		return nil, err
	}
	if len(hooks) > 0 {
		event.RegisterHooks(bus, event.NewHookExecutor(hooks))
	}

	return &Daemon{
		env:         env,
		bus:         bus,
		store:       store,
		repository:  repository,
		tasks:       tasks,
		supervisor:  sup,
		queue:       q,
		monitor:     monitor,
		provisioner: prov,
		localRoot:   localRoot,
	}, nil
}

// Tasks exposes the task service for embedding callers.
func (d *Daemon) Tasks() task.Service { return d.tasks }

// Queue exposes the admission queue for embedding callers.
func (d *Daemon) Queue() *queue.Queue { return d.queue }

// Monitor exposes the health monitor for embedding callers.
func (d *Daemon) Monitor() *health.Monitor { return d.monitor }

// Bus exposes the event bus for embedding callers.
func (d *Daemon) Bus() *event.Bus { return d.bus }

// Run starts every component and blocks until ctx is cancelled, then
// shuts down in reverse dependency order.
func (d *Daemon) Run(ctx context.Context) error {
	d.wg.Go(func() {
		if err := d.bus.Start(ctx); err != nil {
			slog.Error("event bus stopped", "error", err)
		}
	})
	select {
	case <-d.bus.Running():
	case <-ctx.Done():
		return ctx.Err()
	}

	projects, err := d.projectIDs()
	if err != nil {
		return err
	}
	for _, projectID := range projects {
		// Tasks left in progress by a previous process have no live
		// worker now; the health monitor surfaces them as stuck. The
		// admission pass picks up whatever backlog remains.
		if err := d.queue.TriggerAdmission(ctx, projectID); err != nil {
			slog.Warn("startup admission pass failed", "project_id", projectID, "error", err)
		}
		if d.localRoot != "" {
			d.startHealthWatcher(ctx, projectID)
		}
	}

	d.wg.Go(func() { d.admissionLoop(ctx) })

	slog.Info("daemon started", "data_dir", d.env.DataDir, "projects", len(projects))

	<-ctx.Done()
	return d.shutdown()
}

// admissionLoop periodically re-runs admission for every project. The
// CLI edits the data directory out-of-band, so a merge done there also
// unblocks dependents without a daemon-side trigger.
func (d *Daemon) admissionLoop(ctx context.Context) {
	ticker := time.NewTicker(admissionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		projects, err := d.projectIDs()
		if err != nil {
			slog.Warn("periodic admission pass failed", "error", err)
			continue
		}
		for _, projectID := range projects {
			if err := d.queue.TriggerAdmission(ctx, projectID); err != nil {
				slog.Warn("periodic admission pass failed", "project_id", projectID, "error", err)
			}
		}
	}
}

func (d *Daemon) shutdown() error {
	slog.Info("daemon shutting down")
	d.supervisor.Shutdown()
	d.queue.Close()
	if err := d.bus.Stop(); err != nil {
		return fmt.Errorf("failed to stop event bus: %w", err)
	}
	d.wg.Wait()
	return nil
}

// Integration returns the merge and discard flow wired to the running
// daemon's bus and queue.
func (d *Daemon) Integration() *Integration {
	return &Integration{
		Tasks:    d.tasks,
		Projects: d.repository,
		Manager:  d.provisioner.manager,
		Bus:      d.bus,
		Admit:    d.queue.TriggerAdmission,
	}
}

// MergeTask integrates a reviewed task's workspace into the project's
// base branch, marks the task merged and re-runs admission so waiting
// dependents become admissible.
func (d *Daemon) MergeTask(ctx context.Context, projectID, taskID string, opts workspace.MergeOptions) (*workspace.MergePreview, error) {
	return d.Integration().Merge(ctx, projectID, taskID, opts)
}

// DiscardTask removes a task's workspace and marks the task rejected.
func (d *Daemon) DiscardTask(ctx context.Context, projectID, taskID string, force bool) error {
	return d.Integration().Discard(ctx, projectID, taskID, force)
}

func (d *Daemon) startHealthWatcher(ctx context.Context, projectID string) {
	watcher := health.NewWatcher(d.monitor, d.localRoot, func(ctx context.Context, reports []health.TaskReport) {
		for _, report := range reports {
			slog.Warn("health issues detected",
				"project_id", projectID,
				"task_id", report.TaskID,
				"issues", len(report.Issues))
		}
	})
	d.wg.Go(func() {
		if err := watcher.Run(ctx, projectID); err != nil && ctx.Err() == nil {
			slog.Error("health watcher stopped", "project_id", projectID, "error", err)
		}
	})
}

// projectIDs lists the projects present in the data directory.
func (d *Daemon) projectIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.env.DataDir, "projects"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// loadHooks reads the optional event hook definitions.
func loadHooks(path string) ([]event.Hook, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hooks file: %w", err)
	}

	var hooks []event.Hook
	if err := yaml.Unmarshal(data, &hooks); err != nil {
		return nil, fmt.Errorf("failed to parse hooks file: %w", err)
	}
	return hooks, nil
}

// provisioner creates git worktree workspaces, caching one manager per
// repository root.
type provisioner struct {
	mu       sync.Mutex
	managers map[string]*workspace.Manager
}

func newProvisioner() *provisioner {
	return &provisioner{managers: make(map[string]*workspace.Manager)}
}

func (p *provisioner) manager(repoPath string) *workspace.Manager {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.managers[repoPath]
	if !ok {
		m = workspace.NewManager(repoPath, &workspace.LocalRunner{})
		p.managers[repoPath] = m
	}
	return m
}

func (p *provisioner) Provision(ctx context.Context, project *task.Project, t *task.Task) (*workspace.Workspace, error) {
	return p.manager(project.RepoPath).Create(ctx, t.ID)
}
