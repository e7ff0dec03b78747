package supervisor

import (
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/forgelabs/taskforge/internal/protocol"
	"github.com/forgelabs/taskforge/internal/task"
)

// handle is the runtime state of one spawned worker. It lives only in
// the supervisor's registry and is never persisted or exposed; callers
// see HandleInfo snapshots.
type handle struct {
	taskID        string
	projectID     string
	workspacePath string
	cmd           *exec.Cmd
	startedAt     time.Time

	// events carries decoded progress records from the stream reader
	// to the dispatcher, so slow consumers never block I/O.
	events chan protocol.Event

	readers conc.WaitGroup
	done    chan struct{}

	mu            sync.Mutex
	lastActivity  time.Time
	terminalPhase protocol.Phase
	rateLimited   bool
	killed        bool
	stuckFlagged  bool
	subtasks      []task.Subtask
	log           strings.Builder
}

func (h *handle) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *handle) appendLog(line string) {
	h.mu.Lock()
	h.log.WriteString(line)
	h.log.WriteByte('\n')
	h.mu.Unlock()
}

func (h *handle) logText() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.log.String()
}

func (h *handle) silentFor() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.lastActivity)
}

// markTerminal records the worker's terminal phase and reports whether
// this was the first one seen.
func (h *handle) markTerminal(p protocol.Phase) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	first := h.terminalPhase == ""
	h.terminalPhase = p
	return first
}

func (h *handle) markRateLimited() {
	h.mu.Lock()
	h.rateLimited = true
	h.mu.Unlock()
}

func (h *handle) markKilled() {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
}

// advanceSubtask records a newly reported subtask label, closing out
// the previous one.
func (h *handle) advanceSubtask(label string) []task.Subtask {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.subtasks); n > 0 {
		if h.subtasks[n-1].Title == label {
			return append([]task.Subtask(nil), h.subtasks...)
		}
		h.subtasks[n-1].Status = "done"
	}
	h.subtasks = append(h.subtasks, task.Subtask{Title: label, Status: "in_progress"})
	return append([]task.Subtask(nil), h.subtasks...)
}

type outcome struct {
	terminalPhase protocol.Phase
	rateLimited   bool
	killed        bool
	subtasks      []task.Subtask
}

func (h *handle) snapshotOutcome() outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return outcome{
		terminalPhase: h.terminalPhase,
		rateLimited:   h.rateLimited,
		killed:        h.killed,
		subtasks:      append([]task.Subtask(nil), h.subtasks...),
	}
}

// HandleInfo is the externally visible snapshot of a running worker.
type HandleInfo struct {
	TaskID        string
	ProjectID     string
	WorkspacePath string
	PID           int
	StartedAt     time.Time
	LastActivity  time.Time
}

func (h *handle) info() HandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	pid := 0
	if h.cmd.Process != nil {
		pid = h.cmd.Process.Pid
	}
	return HandleInfo{
		TaskID:        h.taskID,
		ProjectID:     h.projectID,
		WorkspacePath: h.workspacePath,
		PID:           pid,
		StartedAt:     h.startedAt,
		LastActivity:  h.lastActivity,
	}
}
