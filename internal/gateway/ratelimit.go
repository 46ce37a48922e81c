package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate tiers. Auth endpoints take unauthenticated traffic keyed by client
// address, so they get a far tighter budget than the authenticated API.
var (
	authTier = tier{limit: rate.Limit(3.0 / 60.0), burst: 5}
	apiTier  = tier{limit: rate.Limit(30.0 / 60.0), burst: 30}
)

type tier struct {
	limit rate.Limit
	burst int
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter hands out one token bucket per caller key.
type rateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	nowFn   func() time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		entries: make(map[string]*limiterEntry),
		nowFn:   time.Now,
	}
}

// allow consumes one token from the caller's bucket, creating the bucket on
// first sight.
func (r *rateLimiter) allow(t tier, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(t.limit, t.burst)}
		r.entries[key] = e
	}
	e.lastSeen = r.nowFn()
	return e.lim.Allow()
}

// purgeIdle drops buckets idle longer than idleFor and reports how many were
// removed. The maintenance scheduler calls this so the map stays bounded.
func (r *rateLimiter) purgeIdle(idleFor time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.nowFn().Add(-idleFor)
	purged := 0
	for key, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			delete(r.entries, key)
			purged++
		}
	}
	return purged
}
