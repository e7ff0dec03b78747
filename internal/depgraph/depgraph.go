// Package depgraph validates task prerequisite declarations.
//
// It is a pure function library: callers pass a snapshot of the
// project's tasks and get a verdict back. It holds no state so the
// admission controller can call it on every pass without setup.
package depgraph

import (
	"strings"

	"github.com/forgelabs/taskforge/pkg/cerr"
)

// TaskView is the minimal slice of a task the validator needs.
type TaskView struct {
	ID        string
	DependsOn []string
	// Integrated is true when the task's changes are already merged
	// into the project's integration point.
	Integrated bool
}

// Validate checks a task's declared prerequisites against the project
// snapshot. It rejects self-dependencies, duplicate entries, references
// to unknown tasks, and any cycle reachable from taskID. The candidate
// dependency list overrides whatever the snapshot records for taskID,
// so a proposed edit can be validated before it is saved.
func Validate(taskID string, dependsOn []string, all []TaskView) error {
	seen := make(map[string]struct{}, len(dependsOn))
	ids := make(map[string][]string, len(all))
	for _, t := range all {
		ids[t.ID] = t.DependsOn
	}
	ids[taskID] = dependsOn

	for _, dep := range dependsOn {
		if dep == taskID {
			return cerr.New(cerr.DependencyCycle, "task cannot depend on itself").
				WithMeta("task_id", taskID)
		}
		if _, dup := seen[dep]; dup {
			return cerr.New(cerr.InvalidArgument, "duplicate dependency").
				WithMeta("task_id", taskID).
				WithMeta("dependency_id", dep)
		}
		seen[dep] = struct{}{}
		if _, ok := ids[dep]; !ok {
			return cerr.New(cerr.DependencyMissing, "dependency does not resolve to a task").
				WithMeta("task_id", taskID).
				WithMeta("dependency_id", dep)
		}
	}

	if path := findCycle(taskID, ids); path != nil {
		return cerr.New(cerr.DependencyCycle, "circular dependency detected").
			WithMeta("task_id", taskID).
			WithMeta("path", strings.Join(path, " -> "))
	}

	return nil
}

// findCycle runs a depth-first search from start, tracking the active
// path. The first id revisited while still on the path witnesses the
// cycle; the returned slice is the ordered path from that id back to
// itself, e.g. [A B A].
func findCycle(start string, edges map[string][]string) []string {
	visited := make(map[string]bool, len(edges))
	onStack := make(map[string]bool, len(edges))
	stack := make([]string, 0, 8)

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, dep := range edges[id] {
			if onStack[dep] {
				// Cut the path at the first occurrence of dep.
				for i, v := range stack {
					if v == dep {
						path := make([]string, 0, len(stack)-i+1)
						path = append(path, stack[i:]...)
						path = append(path, dep)
						return path
					}
				}
			}
			if !visited[dep] {
				if path := visit(dep); path != nil {
					return path
				}
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	return visit(start)
}

// CheckReady reports whether every dependency of the task resolves to
// an existing, integrated task. A dangling reference (DependencyMissing)
// is reported distinctly from a resolvable but unmerged one
// (DependencyUnmet): the first needs the reference removed, the second
// just needs waiting.
func CheckReady(taskID string, dependsOn []string, all []TaskView) error {
	byID := make(map[string]TaskView, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	for _, dep := range dependsOn {
		t, ok := byID[dep]
		if !ok {
			return cerr.New(cerr.DependencyMissing, "dependency was deleted").
				WithMeta("task_id", taskID).
				WithMeta("dependency_id", dep)
		}
		if !t.Integrated {
			return cerr.New(cerr.DependencyUnmet, "dependency not yet integrated").
				WithMeta("task_id", taskID).
				WithMeta("dependency_id", dep)
		}
	}
	return nil
}
