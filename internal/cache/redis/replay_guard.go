package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// ReplayGuard implements domain.ReplayGuard with SET NX PX, so a key is
// fresh exactly once across every replica sharing the Redis.
type ReplayGuard struct {
	c *Client
}

var _ domain.ReplayGuard = (*ReplayGuard)(nil)

// NewReplayGuard creates a ReplayGuard backed by c.
func NewReplayGuard(c *Client) *ReplayGuard {
	return &ReplayGuard{c: c}
}

func (g *ReplayGuard) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	fresh, err := g.c.rdb.SetNX(ctx, g.c.key("replay", key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: remember %s: %w", key, err)
	}
	return fresh, nil
}
