// Package workspace manages the isolated git checkout each task runs in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Runner is the execution target every version-control command routes
// through. The orchestrator never assumes a local shell: the repository
// may live behind ssh or inside a container, and the target is chosen
// once when the manager is built.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// CommandError carries the exit status and captured stderr of a failed
// command.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s exited with status %d: %s",
		e.Name, strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

// ExitCode extracts the exit status from a Runner error, or -1 if the
// command never ran.
func ExitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}

// StderrOf extracts captured stderr from a Runner error.
func StderrOf(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Stderr
	}
	return ""
}

// LocalRunner executes commands directly on the orchestrator host.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return stdout.String(), &CommandError{
			Name:     name,
			Args:     args,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
		}
	}
	return stdout.String(), nil
}

// ShellRunner executes commands through a wrapper that accepts a single
// shell string, such as "ssh build-host" or "docker exec dev sh -c".
// Arguments are quoted so paths with spaces survive the extra shell.
type ShellRunner struct {
	// Wrapper is the command prefix, e.g. {"ssh", "build-host", "sh", "-c"}.
	// The composed shell string is appended as the final argument.
	Wrapper []string
}

func (r ShellRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	script, err := composeScript(dir, name, args)
	if err != nil {
		return "", err
	}

	wrapped := append(append([]string{}, r.Wrapper[1:]...), script)
	cmd := exec.CommandContext(ctx, r.Wrapper[0], wrapped...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return stdout.String(), &CommandError{
			Name:     name,
			Args:     args,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
		}
	}
	return stdout.String(), nil
}

// composeScript builds "cd <dir> && <cmd> <args...>" with every word
// quoted for POSIX shells.
func composeScript(dir, name string, args []string) (string, error) {
	words := make([]string, 0, len(args)+1)
	for _, w := range append([]string{name}, args...) {
		quoted, err := syntax.Quote(w, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("unquotable argument %q: %w", w, err)
		}
		words = append(words, quoted)
	}

	if dir == "" {
		return strings.Join(words, " "), nil
	}

	quotedDir, err := syntax.Quote(dir, syntax.LangPOSIX)
	if err != nil {
		return "", fmt.Errorf("unquotable directory %q: %w", dir, err)
	}
	return fmt.Sprintf("cd %s && %s", quotedDir, strings.Join(words, " ")), nil
}
