package workspace

// Workspace is an isolated checkout bound to one task's execution.
// Existence and branch naming are derived from git state, so a
// workspace can be rediscovered after a crash.
type Workspace struct {
	TaskID  string
	Path    string
	Branch  string
	BaseRef string
}

// Status summarizes a workspace's change footprint relative to its
// base reference.
type Status struct {
	Exists       bool
	Dirty        bool
	FilesChanged int
	Additions    int
	Deletions    int
}

// Conflict describes one path that would conflict on merge, with a
// unified diff of the two sides.
type Conflict struct {
	Path string
	Diff string
}

// MergePreview is the dry-run result of merging a workspace branch
// into its base. Computing it never mutates either side.
type MergePreview struct {
	Files     []string
	Conflicts []Conflict
	Summary   string
}

// Clean reports whether the preview found no conflicts.
func (p *MergePreview) Clean() bool {
	return len(p.Conflicts) == 0
}

// MergeOptions controls how a workspace branch is integrated.
type MergeOptions struct {
	// StageOnly merges into the index without committing, leaving the
	// result for a human to inspect.
	StageOnly bool
	// CommitMessage overrides the default merge commit message.
	CommitMessage string
}
