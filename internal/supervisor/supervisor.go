// Package supervisor spawns and watches the external worker process
// bound to each running task.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/forgelabs/taskforge/internal/config"
	"github.com/forgelabs/taskforge/internal/event"
	"github.com/forgelabs/taskforge/internal/protocol"
	"github.com/forgelabs/taskforge/internal/task"
	"github.com/forgelabs/taskforge/internal/workspace"
	"github.com/forgelabs/taskforge/pkg/cerr"
	"github.com/forgelabs/taskforge/pkg/storage"
)

// ExitFunc is called after a worker's handle is torn down and its
// concurrency slot is free again. The queue registers itself here to
// re-trigger admission.
type ExitFunc func(projectID, taskID string)

// TaskUpdater is the slice of the task service the supervisor needs to
// record progress and outcomes.
type TaskUpdater interface {
	UpdateTask(ctx context.Context, req *task.UpdateTaskRequest) (*task.Task, error)
}

// Supervisor owns the registry of live worker handles. All access to
// the registry goes through its mutex; raw handles never leave the
// package.
type Supervisor struct {
	cfg   config.SupervisorEnv
	tasks TaskUpdater
	bus   *event.Bus
	store storage.Store

	mu      sync.RWMutex
	handles map[string]*handle

	gate   *rateGate
	wg     conc.WaitGroup
	onExit ExitFunc
}

// New creates a supervisor. store receives captured worker logs.
func New(cfg config.SupervisorEnv, tasks TaskUpdater, bus *event.Bus, store storage.Store) *Supervisor {
	if cfg.TerminalGrace <= 0 {
		cfg.TerminalGrace = 10 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		tasks:   tasks,
		bus:     bus,
		store:   store,
		handles: make(map[string]*handle),
		gate:    newRateGate(cfg.RateLimitCooldown, cfg.RateLimitMaxRetries),
	}
}

// SetOnExit registers the slot-release callback. Must be called before
// the first Spawn.
func (s *Supervisor) SetOnExit(fn ExitFunc) {
	s.onExit = fn
}

// Spawn launches the worker for a task inside its workspace and wires
// its output through the progress decoder. The returned info is a
// snapshot; the live handle stays inside the supervisor.
func (s *Supervisor) Spawn(t *task.Task, ws *workspace.Workspace) (HandleInfo, error) {
	if retryAt, exhausted, blocked := s.gate.check(t.ID, time.Now()); blocked {
		err := cerr.New(cerr.RateLimited, "task is cooling down after a provider rate limit").
			WithMeta("task_id", t.ID).
			WithMeta("retry_at", retryAt.Format(time.RFC3339))
		if exhausted {
			err = cerr.New(cerr.RateLimited, "rate-limit retries exhausted").
				WithMeta("task_id", t.ID)
		}
		return HandleInfo{}, err
	}

	s.mu.Lock()
	if _, ok := s.handles[t.ID]; ok {
		s.mu.Unlock()
		return HandleInfo{}, cerr.New(cerr.AlreadyExists, "task already has a live worker").
			WithMeta("task_id", t.ID)
	}

	cmd := exec.Command(s.cfg.AgentCommand, t.ID)
	cmd.Dir = ws.Path
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("TASKFORGE_TASK_ID=%s", t.ID),
		fmt.Sprintf("TASKFORGE_TASK_TITLE=%s", t.Title),
		fmt.Sprintf("TASKFORGE_TASK_DESCRIPTION=%s", t.Description),
		fmt.Sprintf("TASKFORGE_WORKSPACE=%s", ws.Path),
	)
	// Local stores expose their root; the worker writes plan.yaml and
	// review.yaml there, where the health checks look for them.
	if root, ok := s.store.(interface{ BasePath() string }); ok {
		cmd.Env = append(cmd.Env,
			fmt.Sprintf("TASKFORGE_ARTIFACT_DIR=%s", filepath.Join(root.BasePath(), storage.TaskPrefix(t.ID))))
	}
	// Workers spawn their own subprocesses; a dedicated process group
	// lets Kill take down the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return HandleInfo{}, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return HandleInfo{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return HandleInfo{}, cerr.Wrap(cerr.ExecutionFailed, "failed to start worker", err).
			WithMeta("task_id", t.ID)
	}

	now := time.Now()
	h := &handle{
		taskID:        t.ID,
		projectID:     t.ProjectID,
		workspacePath: ws.Path,
		cmd:           cmd,
		startedAt:     now,
		lastActivity:  now,
		events:        make(chan protocol.Event, 64),
		done:          make(chan struct{}),
	}
	s.handles[t.ID] = h
	s.mu.Unlock()

	h.readers.Go(func() { s.readStdout(h, stdout) })
	h.readers.Go(func() { s.readStderr(h, stderr) })
	s.wg.Go(func() { s.dispatch(h) })
	s.wg.Go(func() { s.watchLiveness(h) })
	s.wg.Go(func() { s.wait(h) })

	return h.info(), nil
}

// Kill terminates a task's whole worker process tree. The workspace is
// left on disk for inspection. Killing a task with no live worker is a
// no-op.
func (s *Supervisor) Kill(taskID string) error {
	s.mu.RLock()
	h, ok := s.handles[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	h.markKilled()
	if h.cmd.Process == nil {
		return nil
	}
	// Negative pid signals the process group.
	if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill worker group: %w", err)
	}
	return nil
}

// Info returns a snapshot of a task's live handle.
func (s *Supervisor) Info(taskID string) (HandleInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[taskID]
	if !ok {
		return HandleInfo{}, false
	}
	return h.info(), true
}

// List returns snapshots of all live handles.
func (s *Supervisor) List() []HandleInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]HandleInfo, 0, len(s.handles))
	for _, h := range s.handles {
		infos = append(infos, h.info())
	}
	return infos
}

// Alive reports whether a task has a live worker process. The health
// monitor uses this to distinguish stuck from running.
func (s *Supervisor) Alive(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handles[taskID]
	return ok
}

// Shutdown kills every live worker and waits for their teardown.
func (s *Supervisor) Shutdown() {
	for _, info := range s.List() {
		if err := s.Kill(info.TaskID); err != nil {
			slog.Warn("failed to kill worker on shutdown", "task_id", info.TaskID, "error", err)
		}
	}
	s.wg.Wait()
}

// readStdout scans worker stdout. Lines decoding to progress events go
// to the dispatcher; everything else is log output, still checked for
// rate-limit signals.
func (s *Supervisor) readStdout(h *handle, r io.Reader) {
	defer close(h.events)

	sc := protocol.NewScanner(r)
	for sc.Scan() {
		h.touch()
		line := sc.Line()
		h.appendLog(line)

		if ev, ok := protocol.Decode(line); ok {
			h.events <- ev
			continue
		}
		if IsRateLimitLine(line) {
			h.markRateLimited()
		}
	}
}

func (s *Supervisor) readStderr(h *handle, r io.Reader) {
	sc := protocol.NewScanner(r)
	for sc.Scan() {
		h.touch()
		line := sc.Line()
		h.appendLog(line)
		if IsRateLimitLine(line) {
			h.markRateLimited()
		}
	}
}

// dispatch consumes decoded events and applies them to the task record.
func (s *Supervisor) dispatch(h *handle) {
	ctx := context.Background()

	for ev := range h.events {
		req := &task.UpdateTaskRequest{
			ProjectID: h.projectID,
			ID:        h.taskID,
			Phase:     ev.Phase,
			Progress:  ev.Progress,
		}
		if ev.Subtask != "" {
			req.Subtasks = h.advanceSubtask(ev.Subtask)
		}
		if ev.Phase.Terminal() {
			if h.markTerminal(ev.Phase) {
				s.scheduleTeardown(h)
			}
		}

		if _, err := s.tasks.UpdateTask(ctx, req); err != nil {
			slog.Warn("failed to record progress", "task_id", h.taskID, "error", err)
		}

		s.publish(ctx, &event.TaskProgressData{
			TaskID:   h.taskID,
			Phase:    string(ev.Phase),
			Message:  ev.Message,
			Progress: ev.Progress,
			Subtask:  ev.Subtask,
		})
	}
}

// scheduleTeardown kills the worker group when it lingers past the
// grace period after reporting a terminal phase. The phase recorded by
// dispatch still decides the outcome, so a hung worker that already
// said complete lands in review instead of holding its slot.
func (s *Supervisor) scheduleTeardown(h *handle) {
	s.wg.Go(func() {
		timer := time.NewTimer(s.cfg.TerminalGrace)
		defer timer.Stop()

		select {
		case <-h.done:
		case <-timer.C:
			slog.Warn("worker lingered after terminal phase", "task_id", h.taskID)
			if h.cmd.Process != nil {
				_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
			}
		}
	})
}

// watchLiveness flags the task as stuck when the worker goes silent
// past the timeout. The worker is not killed; that decision belongs to
// the caller or the health monitor.
func (s *Supervisor) watchLiveness(h *handle) {
	interval := s.cfg.LivenessTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			silent := h.silentFor()
			if silent < s.cfg.LivenessTimeout {
				continue
			}

			h.mu.Lock()
			alreadyFlagged := h.stuckFlagged
			h.stuckFlagged = true
			h.mu.Unlock()
			if alreadyFlagged {
				continue
			}

			ctx := context.Background()
			_, err := s.tasks.UpdateTask(ctx, &task.UpdateTaskRequest{
				ProjectID: h.projectID,
				ID:        h.taskID,
				Failure: &task.Failure{
					Kind:    task.FailureStuck,
					Message: fmt.Sprintf("no output for %s", silent.Round(time.Second)),
					At:      time.Now(),
				},
			})
			if err != nil {
				slog.Warn("failed to flag stuck task", "task_id", h.taskID, "error", err)
			}
			s.publish(ctx, &event.TaskStuckData{
				TaskID:        h.taskID,
				ProjectID:     h.projectID,
				SilentSeconds: int64(silent.Seconds()),
			})
		}
	}
}

// wait blocks until the worker exits, then classifies the outcome,
// persists the worker log, tears down the handle and frees the slot.
func (s *Supervisor) wait(h *handle) {
	h.readers.Wait()
	exitErr := h.cmd.Wait()
	close(h.done)

	ctx := context.Background()
	res := h.snapshotOutcome()

	if err := s.store.Write(ctx, storage.TaskLogKey(h.taskID), []byte(h.logText())); err != nil {
		slog.Warn("failed to persist worker log", "task_id", h.taskID, "error", err)
	}

	switch {
	case res.killed:
		// The canceller already decided the task's fate.

	case res.rateLimited:
		retryAt, attempt := s.gate.hit(h.taskID, time.Now())
		s.updateAfterExit(ctx, h, &task.UpdateTaskRequest{
			ProjectID: h.projectID,
			ID:        h.taskID,
			Status:    task.StatusError,
			Failure: &task.Failure{
				Kind:    cerr.RateLimited.String(),
				Message: "provider rate limit detected in worker output",
				Meta: map[string]string{
					"retry_at": retryAt.Format(time.RFC3339),
					"attempt":  fmt.Sprintf("%d", attempt),
				},
				At: time.Now(),
			},
		})
		s.publish(ctx, &event.TaskRateLimitedData{TaskID: h.taskID, RetryAt: retryAt, Attempt: attempt})

	case res.terminalPhase == protocol.PhaseComplete:
		s.gate.clear(h.taskID)
		now := time.Now()
		s.updateAfterExit(ctx, h, &task.UpdateTaskRequest{
			ProjectID:    h.projectID,
			ID:           h.taskID,
			Status:       task.StatusReview,
			ClearFailure: true,
			CompletedAt:  &now,
		})
		s.publish(ctx, &event.TaskCompletedData{TaskID: h.taskID, ProjectID: h.projectID})

	case res.terminalPhase == protocol.PhaseFailed || exitErr != nil:
		message := "worker reported failure"
		if exitErr != nil {
			message = fmt.Sprintf("worker exited abnormally: %v", exitErr)
		}
		s.updateAfterExit(ctx, h, &task.UpdateTaskRequest{
			ProjectID: h.projectID,
			ID:        h.taskID,
			Status:    task.StatusError,
			Failure: &task.Failure{
				Kind:    cerr.ExecutionFailed.String(),
				Message: message,
				At:      time.Now(),
			},
		})
		s.publish(ctx, &event.TaskFailedData{
			TaskID:    h.taskID,
			ProjectID: h.projectID,
			Kind:      cerr.ExecutionFailed.String(),
			Message:   message,
		})

	default:
		// Clean exit with no terminal phase: stuck, not failed. Status
		// stays in_progress so the health monitor surfaces it.
		s.updateAfterExit(ctx, h, &task.UpdateTaskRequest{
			ProjectID: h.projectID,
			ID:        h.taskID,
			Failure: &task.Failure{
				Kind:    task.FailureStuck,
				Message: "worker exited without a terminal phase",
				At:      time.Now(),
			},
		})
		s.publish(ctx, &event.TaskStuckData{TaskID: h.taskID, ProjectID: h.projectID})
	}

	s.mu.Lock()
	delete(s.handles, h.taskID)
	s.mu.Unlock()

	if s.onExit != nil {
		s.onExit(h.projectID, h.taskID)
	}
}

func (s *Supervisor) updateAfterExit(ctx context.Context, h *handle, req *task.UpdateTaskRequest) {
	if _, err := s.tasks.UpdateTask(ctx, req); err != nil {
		slog.Warn("failed to record worker exit", "task_id", h.taskID, "error", err)
	}
}

func (s *Supervisor) publish(ctx context.Context, data any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, "supervisor", data); err != nil {
		slog.Warn("failed to publish supervisor event", "error", err)
	}
}
