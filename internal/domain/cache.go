package domain

import (
	"context"
	"time"
)

// RateLimiter admits at most limit calls per key within window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager hands out expiring mutual-exclusion locks. Acquire fails with
// ErrLockHeld when another holder owns key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one entry of a replayable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries committed bet events to live subscribers and keeps a
// bounded stream for replay. Subscribe accepts glob patterns; StreamRead
// returns entries strictly after lastID ("0" reads from the start).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// ReplayGuard remembers keys for ttl. Remember reports false when key was
// already remembered and has not yet expired.
type ReplayGuard interface {
	Remember(ctx context.Context, key string, ttl time.Duration) (fresh bool, err error)
}
