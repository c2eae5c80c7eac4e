package opsnotify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func TestDisabledNotifierDoesNotPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := New("", "#ops", logger)

	if n.IsEnabled() {
		t.Fatal("expected notifier with empty bot token to be disabled")
	}

	ctx := context.Background()
	n.FailHard(ctx, "router", "r1", 3, errors.New("boom"))
	n.ConsecutiveErrors(ctx, "router", "r1", 2, errors.New("boom"))
	n.NakStorm(ctx, "small", "8s", errors.New("boom"))
	n.DeadLettered(ctx, "small", "p8fs.storage.events.small", errors.New("boom"))
}
