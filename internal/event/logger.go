package event

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger appends every event to daily NDJSON files so an operator can
// reconstruct what the orchestrator did after the fact.
type Logger struct {
	logDir string
	mu     sync.Mutex
}

// NewLogger creates an event logger writing under logDir.
func NewLogger(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	return &Logger{logDir: logDir}, nil
}

// Log appends an event message to the current day's file.
func (l *Logger) Log(msg *Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := struct {
		*Message
		LoggedAt string `json:"logged_at"`
	}{
		Message:  msg,
		LoggedAt: time.Now().Format(time.RFC3339),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	file, err := os.OpenFile(l.filePath(msg.Timestamp), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event log: %w", err)
	}
	return nil
}

func (l *Logger) filePath(timestamp time.Time) string {
	return filepath.Join(l.logDir, fmt.Sprintf("events_%s.ndjson", timestamp.Format("2006-01-02")))
}

// allTypes lists every event type the logger records.
var allTypes = []Type{
	TaskEnqueued, TaskAdmitted, TaskProgress, TaskCompleted, TaskFailed,
	TaskStuck, TaskRateLimited, TaskCancelled,
	WorkspaceMerged, WorkspaceDiscarded,
	QueueChanged,
}

// RegisterLogger subscribes the logger to every event type on the bus.
func RegisterLogger(bus *Bus, logger *Logger) {
	for _, eventType := range allTypes {
		bus.SubscribeAsync(eventType, fmt.Sprintf("event-log-%s", eventType), func(msg *Message) error {
			if err := logger.Log(msg); err != nil {
				slog.Warn("failed to record event", "event_id", msg.ID, "error", err)
			}
			return nil
		})
	}
}
