package workspace

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/forgelabs/taskforge/pkg/cerr"
)

const branchPrefix = "taskforge/"

// Manager provisions and destroys per-task worktrees inside one
// repository. Every git invocation goes through the Runner chosen at
// construction time.
type Manager struct {
	repoRoot    string
	worktreeDir string
	runner      Runner
}

// NewManager creates a manager for the repository at repoRoot.
func NewManager(repoRoot string, runner Runner) *Manager {
	return &Manager{
		repoRoot:    repoRoot,
		worktreeDir: filepath.Join(repoRoot, ".taskforge", "worktrees"),
		runner:      runner,
	}
}

// Create provisions an isolated checkout for the task, branched from
// the repository's current integration branch. Calling it again for a
// task that already has a workspace returns the existing one.
func (m *Manager) Create(ctx context.Context, taskID string) (*Workspace, error) {
	if existing, err := m.Get(ctx, taskID); err == nil {
		return existing, nil
	} else if cerr.CodeOf(err) != cerr.WorkspaceMissing {
		return nil, err
	}

	baseRef, err := m.currentBranch(ctx)
	if err != nil {
		return nil, cerr.Wrap(cerr.ProvisioningFailed, "cannot resolve integration branch", err).
			WithMeta("task_id", taskID)
	}

	// The ULID suffix keeps branch names collision-free when a task is
	// recreated while a stale branch still exists.
	branch := branchPrefix + strings.ToLower(taskID) + "-" + strings.ToLower(ulid.Make().String()[20:])
	path := filepath.Join(m.worktreeDir, taskID)

	_, err = m.runner.Run(ctx, m.repoRoot, "git", "worktree", "add", "-b", branch, path, baseRef)
	if err != nil {
		if strings.Contains(StderrOf(err), "already registered") {
			if _, pruneErr := m.runner.Run(ctx, m.repoRoot, "git", "worktree", "prune"); pruneErr != nil {
				return nil, cerr.Wrap(cerr.ProvisioningFailed, "failed to prune stale worktrees", pruneErr).
					WithMeta("task_id", taskID)
			}
			_, err = m.runner.Run(ctx, m.repoRoot, "git", "worktree", "add", "-b", branch, path, baseRef)
		}
		if err != nil {
			return nil, cerr.Wrap(cerr.ProvisioningFailed, "failed to create worktree", err).
				WithMeta("task_id", taskID)
		}
	}

	return &Workspace{TaskID: taskID, Path: path, Branch: branch, BaseRef: baseRef}, nil
}

// Get rediscovers a task's workspace from git state. Nothing about the
// workspace is persisted by the orchestrator, so this also works after
// a crash.
func (m *Manager) Get(ctx context.Context, taskID string) (*Workspace, error) {
	workspaces, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	for _, ws := range workspaces {
		if ws.TaskID == taskID {
			return ws, nil
		}
	}
	return nil, cerr.New(cerr.WorkspaceMissing, "no workspace for task").WithMeta("task_id", taskID)
}

// List returns all task workspaces registered in the repository.
func (m *Manager) List(ctx context.Context) ([]*Workspace, error) {
	out, err := m.runner.Run(ctx, m.repoRoot, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	baseRef, err := m.currentBranch(ctx)
	if err != nil {
		return nil, err
	}

	var workspaces []*Workspace
	for _, entry := range parseWorktreeList(out) {
		taskID, ok := taskIDFromBranch(entry.Branch)
		if !ok {
			continue
		}
		workspaces = append(workspaces, &Workspace{
			TaskID:  taskID,
			Path:    entry.Path,
			Branch:  entry.Branch,
			BaseRef: baseRef,
		})
	}
	return workspaces, nil
}

// Status reports the workspace's change footprint against its base.
func (m *Manager) Status(ctx context.Context, ws *Workspace) (*Status, error) {
	if _, err := m.Get(ctx, ws.TaskID); err != nil {
		if cerr.CodeOf(err) == cerr.WorkspaceMissing {
			return &Status{Exists: false}, nil
		}
		return nil, err
	}

	dirty, err := m.HasUncommittedChanges(ctx, ws)
	if err != nil {
		return nil, err
	}

	out, err := m.runner.Run(ctx, ws.Path, "git", "diff", "--numstat", ws.BaseRef)
	if err != nil {
		return nil, fmt.Errorf("failed to diff workspace: %w", err)
	}

	status := &Status{Exists: true, Dirty: dirty}
	status.FilesChanged, status.Additions, status.Deletions = parseNumstat(out)
	return status, nil
}

// Diff returns the unified diff of everything the task changed,
// committed or not, relative to the base reference.
func (m *Manager) Diff(ctx context.Context, ws *Workspace) (string, error) {
	out, err := m.runner.Run(ctx, ws.Path, "git", "diff", ws.BaseRef)
	if err != nil {
		return "", fmt.Errorf("failed to diff workspace: %w", err)
	}
	return out, nil
}

// HasUncommittedChanges reports whether the working tree has staged or
// unstaged modifications.
func (m *Manager) HasUncommittedChanges(ctx context.Context, ws *Workspace) (bool, error) {
	out, err := m.runner.Run(ctx, ws.Path, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check workspace status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// PreviewMerge simulates merging the workspace branch into its base
// without touching either side. The conflict set is computed with
// git merge-tree, which works entirely in the object database.
func (m *Manager) PreviewMerge(ctx context.Context, ws *Workspace) (*MergePreview, error) {
	filesOut, err := m.runner.Run(ctx, m.repoRoot, "git", "diff", "--name-only",
		ws.BaseRef+"..."+ws.Branch)
	if err != nil {
		return nil, fmt.Errorf("failed to compute changed files: %w", err)
	}
	files := splitLines(filesOut)

	mergeOut, err := m.runner.Run(ctx, m.repoRoot, "git", "merge-tree",
		"--write-tree", "--name-only", ws.BaseRef, ws.Branch)
	var conflictPaths []string
	switch {
	case err == nil:
		// clean merge
	case ExitCode(err) == 1:
		conflictPaths = parseMergeTreeConflicts(mergeOut)
	default:
		return nil, fmt.Errorf("failed to simulate merge: %w", err)
	}

	conflicts := make([]Conflict, 0, len(conflictPaths))
	for _, path := range conflictPaths {
		diff, diffErr := m.conflictDiff(ctx, ws, path)
		if diffErr != nil {
			diff = ""
		}
		conflicts = append(conflicts, Conflict{Path: path, Diff: diff})
	}

	summary := fmt.Sprintf("%d files changed, %d conflicts", len(files), len(conflicts))
	return &MergePreview{Files: files, Conflicts: conflicts, Summary: summary}, nil
}

// Merge integrates the workspace branch into the base branch. On
// conflict it fails atomically: the preview is consulted first and a
// structured conflict report is returned without attempting the merge.
func (m *Manager) Merge(ctx context.Context, ws *Workspace, opts MergeOptions) (*MergePreview, error) {
	preview, err := m.PreviewMerge(ctx, ws)
	if err != nil {
		return nil, err
	}
	if !preview.Clean() {
		paths := make([]string, len(preview.Conflicts))
		for i, c := range preview.Conflicts {
			paths[i] = c.Path
		}
		return preview, cerr.New(cerr.MergeConflict, "merge would conflict").
			WithMeta("task_id", ws.TaskID).
			WithMeta("paths", strings.Join(paths, ","))
	}

	args := []string{"merge", "--no-ff"}
	if opts.StageOnly {
		args = append(args, "--no-commit")
	} else {
		message := opts.CommitMessage
		if message == "" {
			message = fmt.Sprintf("Merge %s (%s)", ws.Branch, ws.TaskID)
		}
		args = append(args, "-m", message)
	}
	args = append(args, ws.Branch)

	if _, err := m.runner.Run(ctx, m.repoRoot, "git", args...); err != nil {
		// Restore the target before reporting; a half-applied merge
		// must never be left behind.
		_, _ = m.runner.Run(ctx, m.repoRoot, "git", "merge", "--abort")
		return nil, cerr.Wrap(cerr.MergeConflict, "merge failed", err).
			WithMeta("task_id", ws.TaskID)
	}
	return preview, nil
}

// Discard destroys the workspace and deletes its branch. Uncommitted
// work blocks the discard unless force is set.
func (m *Manager) Discard(ctx context.Context, ws *Workspace, force bool) error {
	existing, err := m.Get(ctx, ws.TaskID)
	if err != nil {
		if cerr.CodeOf(err) == cerr.WorkspaceMissing {
			return nil
		}
		return err
	}

	if !force {
		dirty, err := m.HasUncommittedChanges(ctx, existing)
		if err != nil {
			return err
		}
		if dirty {
			return cerr.New(cerr.UncommittedChanges, "workspace has uncommitted changes").
				WithMeta("task_id", ws.TaskID).
				WithMeta("path", existing.Path)
		}
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, existing.Path)
	if _, err := m.runner.Run(ctx, m.repoRoot, "git", args...); err != nil {
		return fmt.Errorf("failed to remove worktree: %w", err)
	}

	// Branch deletion is best effort; a merged branch may already be gone.
	_, _ = m.runner.Run(ctx, m.repoRoot, "git", "branch", "-D", existing.Branch)
	return nil
}

// conflictDiff renders a unified diff between the two sides of a
// conflicted path.
func (m *Manager) conflictDiff(ctx context.Context, ws *Workspace, path string) (string, error) {
	ours, _ := m.runner.Run(ctx, m.repoRoot, "git", "show", ws.BaseRef+":"+path)
	theirs, _ := m.runner.Run(ctx, m.repoRoot, "git", "show", ws.Branch+":"+path)

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(ours),
		B:        difflib.SplitLines(theirs),
		FromFile: ws.BaseRef + "/" + path,
		ToFile:   ws.Branch + "/" + path,
		Context:  3,
	})
}

func (m *Manager) currentBranch(ctx context.Context) (string, error) {
	out, err := m.runner.Run(ctx, m.repoRoot, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

type worktreeEntry struct {
	Path   string
	Branch string
}

// parseWorktreeList parses the porcelain output of git worktree list.
// Entries are blocks of "worktree <path>", "HEAD <oid>",
// "branch refs/heads/<name>" separated by blank lines.
func parseWorktreeList(output string) []worktreeEntry {
	var entries []worktreeEntry
	var current worktreeEntry

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		case line == "":
			if current.Path != "" {
				entries = append(entries, current)
			}
			current = worktreeEntry{}
		}
	}
	if current.Path != "" {
		entries = append(entries, current)
	}
	return entries
}

// taskIDFromBranch recovers the task ID from a managed branch name,
// e.g. "taskforge/task-007-4fz1qk" -> "TASK-007".
func taskIDFromBranch(branch string) (string, bool) {
	if !strings.HasPrefix(branch, branchPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(branch, branchPrefix)
	idx := strings.LastIndex(rest, "-")
	if idx <= 0 {
		return "", false
	}
	return strings.ToUpper(rest[:idx]), true
}

// parseNumstat sums a git diff --numstat listing. Binary files report
// "-" counts and only contribute to the file total.
func parseNumstat(output string) (files, additions, deletions int) {
	for _, line := range splitLines(output) {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		files++
		if add, err := strconv.Atoi(fields[0]); err == nil {
			additions += add
		}
		if del, err := strconv.Atoi(fields[1]); err == nil {
			deletions += del
		}
	}
	return files, additions, deletions
}

// parseMergeTreeConflicts extracts conflicted paths from
// git merge-tree --write-tree --name-only output: the first line is
// the written tree OID, conflicted paths follow until a blank line.
// Informational messages after the blank separator are not paths.
func parseMergeTreeConflicts(output string) []string {
	lines := strings.Split(output, "\n")
	if len(lines) <= 1 {
		return nil
	}

	var paths []string
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		paths = append(paths, line)
	}
	return paths
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimRight(line, "\r"); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
