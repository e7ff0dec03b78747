package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/forgelabs/taskforge/internal/health"
	"github.com/forgelabs/taskforge/internal/task"
	"github.com/forgelabs/taskforge/internal/workspace"
)

var (
	statusColors = map[task.Status]*color.Color{
		task.StatusQueued:     color.New(color.FgCyan),
		task.StatusInProgress: color.New(color.FgYellow),
		task.StatusReview:     color.New(color.FgBlue),
		task.StatusMerged:     color.New(color.FgGreen),
		task.StatusRejected:   color.New(color.FgRed),
		task.StatusError:      color.New(color.FgRed, color.Bold),
	}
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
)

func colorStatus(s task.Status) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(string(s))
	}
	return string(s)
}

func printTaskTable(tasks []*task.Task) {
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return
	}
	fmt.Printf("%-10s  %-22s  %-10s  %-8s  %s\n", "ID", "STATUS", "PHASE", "PROG", "TITLE")
	for _, t := range tasks {
		progress := "-"
		if t.Progress != nil {
			progress = fmt.Sprintf("%3.0f%%", *t.Progress)
		}
		fmt.Printf("%-10s  %-22s  %-10s  %-8s  %s\n",
			t.ID, colorStatus(t.Status), string(t.Phase), progress, t.Title)
	}
}

func printTaskDetail(t *task.Task) {
	fmt.Printf("%s  %s\n", t.ID, colorStatus(t.Status))
	fmt.Printf("  title:    %s\n", t.Title)
	if t.Description != "" {
		fmt.Printf("  desc:     %s\n", t.Description)
	}
	if t.Phase != "" {
		fmt.Printf("  phase:    %s\n", t.Phase)
	}
	if t.Progress != nil {
		fmt.Printf("  progress: %.0f%%\n", *t.Progress)
	}
	if len(t.DependsOn) > 0 {
		fmt.Printf("  depends:  %s\n", strings.Join(t.DependsOn, ", "))
	}
	if t.Worktree != "" {
		fmt.Printf("  worktree: %s\n", t.Worktree)
		fmt.Printf("  branch:   %s\n", t.Branch)
	}
	for _, st := range t.Subtasks {
		fmt.Printf("  subtask:  [%s] %s\n", st.Status, st.Title)
	}
	if t.Failure != nil {
		errorColor.Printf("  failure:  %s: %s\n", t.Failure.Kind, t.Failure.Message)
	}
	fmt.Printf("  created:  %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.CompletedAt != nil {
		fmt.Printf("  finished: %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}
}

func printQueueStatus(enabled bool, running, backlog, maxConcurrent int) {
	state := color.GreenString("enabled")
	if !enabled {
		state = warnColor.Sprint("paused")
	}
	fmt.Printf("queue %s: %d/%d running, %d queued\n", state, running, maxConcurrent, backlog)
}

func printHealthReports(reports []health.TaskReport) {
	if len(reports) == 0 {
		color.Green("all tasks healthy")
		return
	}
	for _, report := range reports {
		fmt.Println(report.TaskID)
		for _, issue := range report.Issues {
			paint := warnColor
			if issue.Severity == health.SeverityError {
				paint = errorColor
			}
			actions := make([]string, 0, len(issue.Actions))
			for _, a := range issue.Actions {
				actions = append(actions, string(a))
			}
			fmt.Printf("  %s %s (%s)\n", paint.Sprintf("[%s]", issue.Type), issue.Message, strings.Join(actions, ", "))
		}
	}
}

func printMergePreview(preview *workspace.MergePreview) {
	fmt.Println(preview.Summary)
	for _, f := range preview.Files {
		fmt.Printf("  %s\n", f)
	}
	if preview.Clean() {
		color.Green("merge is clean")
		return
	}
	for _, conflict := range preview.Conflicts {
		errorColor.Printf("conflict: %s\n", conflict.Path)
		if conflict.Diff != "" {
			fmt.Println(conflict.Diff)
		}
	}
}
