package local

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// ReplayGuard implements domain.ReplayGuard in memory. Expired keys are
// pruned on insert.
type ReplayGuard struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

var _ domain.ReplayGuard = (*ReplayGuard)(nil)

// NewReplayGuard creates an empty ReplayGuard. A nil clock means time.Now.
func NewReplayGuard(clock func() time.Time) *ReplayGuard {
	if clock == nil {
		clock = time.Now
	}
	return &ReplayGuard{seen: make(map[string]time.Time), clock: clock}
}

func (g *ReplayGuard) Remember(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if exp, ok := g.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}
