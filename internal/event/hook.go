package event

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Hook runs a shell command when a matching event fires. Hooks let an
// operator wire notifications (desktop alerts, chat webhooks) without
// touching the orchestrator.
type Hook struct {
	Name    string `yaml:"name"`
	Event   Type   `yaml:"event"`
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout,omitempty"` // in seconds
}

// HookExecutor executes hooks in response to events.
type HookExecutor struct {
	hooks []Hook
}

// NewHookExecutor creates a new hook executor.
func NewHookExecutor(hooks []Hook) *HookExecutor {
	return &HookExecutor{hooks: hooks}
}

// Execute runs all hooks that match the given event.
func (he *HookExecutor) Execute(ctx context.Context, msg *Message) error {
	for _, hook := range he.hooks {
		if hook.Event != msg.Type {
			continue
		}
		if err := he.executeHook(ctx, hook, msg); err != nil {
			return fmt.Errorf("failed to execute hook %s: %w", hook.Name, err)
		}
	}
	return nil
}

// executeHook runs a single hook command with the event exposed through
// TASKFORGE_EVENT_* environment variables.
func (he *HookExecutor) executeHook(ctx context.Context, hook Hook, msg *Message) error {
	env := []string{
		fmt.Sprintf("TASKFORGE_EVENT_TYPE=%s", msg.Type),
		fmt.Sprintf("TASKFORGE_EVENT_ID=%s", msg.ID),
		fmt.Sprintf("TASKFORGE_EVENT_SOURCE=%s", msg.Source),
		fmt.Sprintf("TASKFORGE_EVENT_TIMESTAMP=%s", msg.Timestamp.Format(time.RFC3339)),
		fmt.Sprintf("TASKFORGE_EVENT_DATA=%s", string(msg.Data)),
	}

	timeout := 30 * time.Second
	if hook.Timeout > 0 {
		timeout = time.Duration(hook.Timeout) * time.Second
	}

	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(hookCtx, "sh", "-c", hook.Command)
	cmd.Env = append(os.Environ(), env...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("hook command failed: %w: %s", err, out)
	}
	return nil
}

// RegisterHooks subscribes the executor to the event types its hooks
// reference.
func RegisterHooks(bus *Bus, executor *HookExecutor) {
	seen := make(map[Type]struct{})
	for _, hook := range executor.hooks {
		if _, ok := seen[hook.Event]; ok {
			continue
		}
		seen[hook.Event] = struct{}{}
		bus.SubscribeAsync(hook.Event, fmt.Sprintf("hook-%s", hook.Event), func(msg *Message) error {
			return executor.Execute(context.Background(), msg)
		})
	}
}
