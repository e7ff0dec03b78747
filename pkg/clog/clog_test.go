package clog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerAddsContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewAttributesHandler(slog.NewTextHandler(&buf, nil)))

	ctx := ContextWithSlog(context.Background())
	AddTaskID(ctx, "TASK-007")
	AddError(ctx, errors.New("boom"))

	logger.InfoContext(ctx, "admission skipped")

	out := buf.String()
	assert.Contains(t, out, "task.id=TASK-007")
	assert.Contains(t, out, "error.message=boom")
	assert.Contains(t, out, "admission skipped")
}

func TestAttributesIgnoredWithoutPreparedContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewAttributesHandler(slog.NewTextHandler(&buf, nil)))

	ctx := context.Background()
	AddTaskID(ctx, "TASK-007") // no-op: context not prepared

	logger.InfoContext(ctx, "plain record")
	assert.NotContains(t, buf.String(), "TASK-007")
}

func TestGetAttributeTypeMismatch(t *testing.T) {
	ctx := ContextWithSlog(context.Background())
	AddAttribute(ctx, "count", 3)

	assert.Equal(t, 3, GetAttribute[int](ctx, "count"))
	assert.Equal(t, "", GetAttribute[string](ctx, "count"))
}
