// Package storage abstracts where per-task execution artifacts live.
//
// The orchestrator writes worker output logs, plan files and review
// reports through this interface so local runs and runs that archive
// to S3 share one code path.
package storage

import (
	"context"
	"errors"
	"path"
)

// ErrNotFound is returned when a requested artifact does not exist.
var ErrNotFound = errors.New("not found")

// Store provides key-value style artifact storage.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Artifact keys, one namespace per task.

func TaskLogKey(taskID string) string {
	return path.Join("tasks", taskID, "agent.log")
}

func TaskPlanKey(taskID string) string {
	return path.Join("tasks", taskID, "plan.yaml")
}

func TaskReviewKey(taskID string) string {
	return path.Join("tasks", taskID, "review.yaml")
}

func TaskPrefix(taskID string) string {
	return path.Join("tasks", taskID)
}
