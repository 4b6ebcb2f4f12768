package cache

import (
	"context"
	"time"
)

// EventGate claims a key for a short window. The first caller to claim a key
// gets true; later callers get false until the window lapses.
type EventGate interface {
	Claim(ctx context.Context, key string, window time.Duration) (bool, error)
}

// NoopEventGate admits every claim, leaving duplicate detection to the store.
type NoopEventGate struct{}

func (NoopEventGate) Claim(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return true, nil
}
