// Package health inspects task and artifact state for anomalies.
//
// Checks are evaluated independently and additively; nothing is ever
// auto-corrected. Each issue carries recovery actions for the caller
// to choose from.
package health

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/forgelabs/taskforge/internal/protocol"
	"github.com/forgelabs/taskforge/internal/task"
	"github.com/forgelabs/taskforge/pkg/storage"
)

// IssueType classifies a diagnostic finding.
type IssueType string

const (
	IssueStuck           IssueType = "stuck"
	IssueFailed          IssueType = "failed"
	IssueFailedSubtasks  IssueType = "failed_subtasks"
	IssueQARejected      IssueType = "qa_rejected"
	IssueMissingArtifact IssueType = "missing_artifact"
	IssueCorrupted       IssueType = "corrupted"
	IssueNoProgress      IssueType = "no_progress"
)

// Severity grades an issue.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Action is a caller-initiated recovery step.
type Action string

const (
	ActionRecover    Action = "recover"
	ActionViewLogs   Action = "view_logs"
	ActionViewReport Action = "view_report"
	ActionRecreate   Action = "recreate"
	ActionDiscard    Action = "discard"
)

// Issue is one diagnostic finding. Issues are recomputed on every pass
// and never persisted.
type Issue struct {
	Type     IssueType         `json:"type"`
	Severity Severity          `json:"severity"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
	Actions  []Action          `json:"actions"`
}

// TaskReport pairs a task with its issues.
type TaskReport struct {
	TaskID string  `json:"task_id"`
	Issues []Issue `json:"issues"`
}

// ProcessRegistry answers whether a task has a live worker. The
// supervisor implements it.
type ProcessRegistry interface {
	Alive(taskID string) bool
}

// TaskLister is the slice of the task service the monitor reads.
type TaskLister interface {
	ListTasks(projectID string) ([]*task.Task, error)
}

// Monitor runs health checks over task records and their on-disk
// artifacts.
type Monitor struct {
	tasks TaskLister
	procs ProcessRegistry
	store storage.Store
}

// NewMonitor creates a health monitor.
func NewMonitor(tasks TaskLister, procs ProcessRegistry, store storage.Store) *Monitor {
	return &Monitor{tasks: tasks, procs: procs, store: store}
}

// planArtifact is the structured plan the worker writes during the
// planning phase.
type planArtifact struct {
	Subtasks []struct {
		Title  string `yaml:"title"`
		Status string `yaml:"status"`
	} `yaml:"subtasks"`
}

// reviewArtifact is the QA report the worker writes after review.
type reviewArtifact struct {
	Verdict string   `yaml:"verdict"`
	Reasons []string `yaml:"reasons,omitempty"`
}

// RunChecks evaluates every check against one task. The checks are
// independent: a task can be both failed and missing its artifacts.
func (m *Monitor) RunChecks(ctx context.Context, t *task.Task) []Issue {
	var issues []Issue

	if issue := m.checkFailed(t); issue != nil {
		issues = append(issues, *issue)
	}
	if issue := m.checkStuck(t); issue != nil {
		issues = append(issues, *issue)
	}
	if issue := m.checkFailedSubtasks(t); issue != nil {
		issues = append(issues, *issue)
	}
	issues = append(issues, m.checkPlanArtifact(ctx, t)...)
	issues = append(issues, m.checkReviewArtifact(ctx, t)...)
	if issue := m.checkNoProgress(t); issue != nil {
		issues = append(issues, *issue)
	}

	return issues
}

// ScanProject runs checks over every task of a project and returns
// only the tasks that have at least one issue.
func (m *Monitor) ScanProject(ctx context.Context, projectID string) ([]TaskReport, error) {
	tasks, err := m.tasks.ListTasks(projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for health scan: %w", err)
	}

	var reports []TaskReport
	for _, t := range tasks {
		if issues := m.RunChecks(ctx, t); len(issues) > 0 {
			reports = append(reports, TaskReport{TaskID: t.ID, Issues: issues})
		}
	}
	return reports, nil
}

func (m *Monitor) checkFailed(t *task.Task) *Issue {
	if t.Status != task.StatusError && t.Phase != protocol.PhaseFailed {
		return nil
	}

	details := map[string]string{}
	message := "task is in a failed state"
	if t.Failure != nil {
		message = fmt.Sprintf("task failed: %s", t.Failure.Message)
		details["kind"] = t.Failure.Kind
		for k, v := range t.Failure.Meta {
			details[k] = v
		}
	}
	return &Issue{
		Type:     IssueFailed,
		Severity: SeverityError,
		Message:  message,
		Details:  details,
		Actions:  []Action{ActionViewLogs},
	}
}

// checkStuck flags a task marked running with no live worker and no
// failure signal. The stuck state is surfaced, never auto-retried.
func (m *Monitor) checkStuck(t *task.Task) *Issue {
	if t.Status != task.StatusInProgress {
		return nil
	}
	if t.Phase == protocol.PhaseFailed {
		return nil
	}
	if m.procs.Alive(t.ID) {
		return nil
	}

	return &Issue{
		Type:     IssueStuck,
		Severity: SeverityWarning,
		Message:  "task is marked running but has no live worker process",
		Actions:  []Action{ActionRecover, ActionViewLogs},
	}
}

func (m *Monitor) checkFailedSubtasks(t *task.Task) *Issue {
	var failed []string
	for _, st := range t.Subtasks {
		if st.Status == "failed" {
			failed = append(failed, st.Title)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	details := map[string]string{}
	for i, title := range failed {
		details[fmt.Sprintf("subtask_%d", i)] = title
	}
	return &Issue{
		Type:     IssueFailedSubtasks,
		Severity: SeverityError,
		Message:  fmt.Sprintf("%d subtasks failed", len(failed)),
		Details:  details,
		Actions:  []Action{ActionViewLogs},
	}
}

// checkPlanArtifact verifies the primary plan artifact for tasks past
// the planning phase: missing means recreate, unparseable means the
// workspace should be discarded.
func (m *Monitor) checkPlanArtifact(ctx context.Context, t *task.Task) []Issue {
	if !phaseRequiresPlan(t) {
		return nil
	}

	data, err := m.store.Read(ctx, storage.TaskPlanKey(t.ID))
	if errors.Is(err, storage.ErrNotFound) {
		return []Issue{{
			Type:     IssueMissingArtifact,
			Severity: SeverityError,
			Message:  "plan artifact is missing",
			Details:  map[string]string{"artifact": "plan"},
			Actions:  []Action{ActionRecreate},
		}}
	}
	if err != nil {
		return nil
	}

	var plan planArtifact
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return []Issue{{
			Type:     IssueCorrupted,
			Severity: SeverityError,
			Message:  "plan artifact exists but cannot be parsed",
			Details:  map[string]string{"artifact": "plan", "parse_error": err.Error()},
			Actions:  []Action{ActionDiscard},
		}}
	}
	return nil
}

// checkReviewArtifact inspects the QA report for rejection markers.
func (m *Monitor) checkReviewArtifact(ctx context.Context, t *task.Task) []Issue {
	if !phaseRequiresReview(t) {
		return nil
	}

	data, err := m.store.Read(ctx, storage.TaskReviewKey(t.ID))
	if errors.Is(err, storage.ErrNotFound) {
		return []Issue{{
			Type:     IssueMissingArtifact,
			Severity: SeverityWarning,
			Message:  "review artifact is missing",
			Details:  map[string]string{"artifact": "review"},
			Actions:  []Action{ActionDiscard},
		}}
	}
	if err != nil {
		return nil
	}

	var review reviewArtifact
	if err := yaml.Unmarshal(data, &review); err != nil {
		return []Issue{{
			Type:     IssueCorrupted,
			Severity: SeverityError,
			Message:  "review artifact exists but cannot be parsed",
			Details:  map[string]string{"artifact": "review", "parse_error": err.Error()},
			Actions:  []Action{ActionDiscard},
		}}
	}

	if review.Verdict == "rejected" {
		details := map[string]string{}
		for i, reason := range review.Reasons {
			details[fmt.Sprintf("reason_%d", i)] = reason
		}
		return []Issue{{
			Type:     IssueQARejected,
			Severity: SeverityError,
			Message:  "QA review rejected the changes",
			Details:  details,
			Actions:  []Action{ActionViewReport},
		}}
	}
	return nil
}

// checkNoProgress flags a running task whose progress data is still
// all defaults, meaning the worker never reported anything usable.
func (m *Monitor) checkNoProgress(t *task.Task) *Issue {
	if t.Status != task.StatusInProgress {
		return nil
	}
	if t.Phase != "" || len(t.Subtasks) > 0 {
		return nil
	}
	if t.Progress != nil && *t.Progress > 0 {
		return nil
	}

	return &Issue{
		Type:     IssueNoProgress,
		Severity: SeverityWarning,
		Message:  "task is running but has reported no progress",
		Actions:  []Action{ActionViewLogs},
	}
}

// phaseRequiresPlan reports whether the task should already have
// written its plan artifact.
func phaseRequiresPlan(t *task.Task) bool {
	switch t.Phase {
	case protocol.PhaseCoding, protocol.PhaseQAReview, protocol.PhaseQAFixing, protocol.PhaseComplete:
		return true
	}
	return t.Status == task.StatusReview || t.Status == task.StatusMerged
}

// phaseRequiresReview reports whether the QA report should exist.
func phaseRequiresReview(t *task.Task) bool {
	switch t.Phase {
	case protocol.PhaseQAFixing, protocol.PhaseComplete:
		return true
	}
	return t.Status == task.StatusReview
}
