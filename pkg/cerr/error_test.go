package cerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormat(t *testing.T) {
	err := New(CapacityExhausted, "no free slot")
	assert.Equal(t, "[CAPACITY_EXHAUSTED] no free slot", err.Error())

	wrapped := Wrap(ProvisioningFailed, "create workspace", errors.New("disk full"))
	assert.Equal(t, "[PROVISIONING_FAILED] create workspace: disk full", wrapped.Error())
}

func TestCodeOf(t *testing.T) {
	err := Wrap(MergeConflict, "merge failed", errors.New("conflict in main.go"))
	assert.Equal(t, MergeConflict, CodeOf(err))

	// Code survives further wrapping with %w.
	outer := fmt.Errorf("merge task: %w", err)
	assert.Equal(t, MergeConflict, CodeOf(outer))

	assert.Equal(t, Unknown, CodeOf(errors.New("plain")))
	assert.Equal(t, OK, CodeOf(nil))
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(RateLimited, "provider backoff"))
	assert.True(t, errors.Is(err, New(RateLimited, "")))
	assert.False(t, errors.Is(err, New(ExecutionFailed, "")))
}

func TestMeta(t *testing.T) {
	err := New(DependencyMissing, "dependency gone").
		WithMeta("dependency_id", "TASK-042")

	meta := MetaOf(fmt.Errorf("enqueue: %w", err))
	require.NotNil(t, meta)
	assert.Equal(t, "TASK-042", meta["dependency_id"])
}
