package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// DataDir is the root for task records and artifacts.
	DataDir string `envconfig:"DATA_DIR" default:".taskforge"`
}

type StorageEnv struct {
	Type string `envconfig:"STORAGE_TYPE" default:"local"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"taskforge/"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
}

type SupervisorEnv struct {
	// AgentCommand is the worker executable spawned per task.
	AgentCommand string `envconfig:"AGENT_COMMAND" default:"taskforge-agent"`
	// LivenessTimeout reclassifies a silent task as stuck. The task is
	// not killed; killing is left to the caller.
	LivenessTimeout time.Duration `envconfig:"LIVENESS_TIMEOUT" default:"10m"`
	// RateLimitCooldown suspends restarts after a provider rate limit.
	RateLimitCooldown time.Duration `envconfig:"RATE_LIMIT_COOLDOWN" default:"5m"`
	// RateLimitMaxRetries bounds rate-limit restarts before giving up.
	RateLimitMaxRetries int `envconfig:"RATE_LIMIT_MAX_RETRIES" default:"3"`
	// TerminalGrace bounds how long a worker may linger after reporting
	// a terminal phase before its process group is torn down.
	TerminalGrace time.Duration `envconfig:"TERMINAL_GRACE" default:"10s"`
	// IOWorkers sizes the pool for workspace/VCS operations.
	IOWorkers int `envconfig:"IO_WORKERS" default:"4"`
}

type Env struct {
	BaseEnv
	StorageEnv
	SupervisorEnv
}

const namespace = "TASKFORGE"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
