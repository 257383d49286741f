package utils

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerPrefix(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	log.Warn("poll failed", "err", "boom")

	out := buf.String()
	assert.Contains(t, out, "[shapesync] poll failed")
	assert.Contains(t, out, "err=boom")
}

func TestLoggerCtxArgs(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	ctx := WithArgs(context.Background(), "table", "todos")
	ctx = WithArgs(ctx, "user", "alice")
	log.ErrorCtx(ctx, "write failed", "key", "42")

	out := buf.String()
	assert.Contains(t, out, "key=42")
	assert.Contains(t, out, "table=todos")
	assert.Contains(t, out, "user=alice")
}

func TestLoggerWithArgsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	parent := WithArgs(context.Background(), "table", "todos")
	_ = WithArgs(parent, "user", "alice")
	_ = WithArgs(parent, "user", "bob")

	log.WarnCtx(parent, "stale view")
	out := buf.String()
	assert.Contains(t, out, "table=todos")
	assert.NotContains(t, out, "user=")
}
