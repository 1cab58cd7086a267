package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// fixedWindowLua counts hits in the current window and reports whether the
// caller is still under the limit. ARGV: limit, window in ms.
const fixedWindowLua = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
    return 0
end
return 1
`

// RateLimiter implements domain.RateLimiter with a fixed window counter per
// key, shared by every API replica.
type RateLimiter struct {
	c      *Client
	script *redis.Script
	now    func() time.Time
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter creates a RateLimiter backed by c.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c, script: redis.NewScript(fixedWindowLua), now: time.Now}
}

// Allow counts one request for key and reports whether it fits in limit per
// window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if window <= 0 || limit <= 0 {
		return true, nil
	}
	slot := rl.now().UnixMilli() / window.Milliseconds()
	k := rl.c.key("ratelimit", key, fmt.Sprint(slot))

	ok, err := rl.script.Run(ctx, rl.c.rdb, []string{k}, limit, window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	return ok == 1, nil
}
