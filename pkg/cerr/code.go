package cerr

// Code classifies an error so callers can act on it without string
// matching. The codes mirror the orchestration error taxonomy:
// admission, provisioning, execution, protocol and health failures all
// map to a distinct code.
type Code int

const (
	OK Code = iota
	Unknown
	InvalidArgument
	NotFound
	AlreadyExists
	// DependencyUnmet means a prerequisite task exists but is not yet
	// merged/integrated.
	DependencyUnmet
	// DependencyMissing means a prerequisite task id no longer resolves
	// to any task. Distinct from DependencyUnmet because the caller fix
	// differs: remove the reference instead of waiting.
	DependencyMissing
	// DependencyCycle means the declared prerequisites form a cycle.
	DependencyCycle
	// CapacityExhausted means the project's concurrency budget is full.
	CapacityExhausted
	// QueueDisabled means the project queue is administratively off.
	QueueDisabled
	// ProvisioningFailed means a workspace could not be created.
	ProvisioningFailed
	// ExecutionFailed means the worker process exited abnormally or
	// reported an explicit failure phase.
	ExecutionFailed
	// RateLimited means the worker hit a provider rate limit; retries
	// are suspended for a cool-down interval.
	RateLimited
	// MergeConflict means integrating a workspace would conflict.
	MergeConflict
	// UncommittedChanges means a destructive operation was refused
	// because it would lose unsaved work.
	UncommittedChanges
	// WorkspaceMissing means the workspace directory or branch is gone.
	WorkspaceMissing
	Internal
)

var codeNames = map[Code]string{
	OK:                 "OK",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	DependencyUnmet:    "DEPENDENCY_UNMET",
	DependencyMissing:  "DEPENDENCY_MISSING",
	DependencyCycle:    "DEPENDENCY_CYCLE",
	CapacityExhausted:  "CAPACITY_EXHAUSTED",
	QueueDisabled:      "QUEUE_DISABLED",
	ProvisioningFailed: "PROVISIONING_FAILED",
	ExecutionFailed:    "EXECUTION_FAILED",
	RateLimited:        "RATE_LIMITED",
	MergeConflict:      "MERGE_CONFLICT",
	UncommittedChanges: "UNCOMMITTED_CHANGES",
	WorkspaceMissing:   "WORKSPACE_MISSING",
	Internal:           "INTERNAL",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}
