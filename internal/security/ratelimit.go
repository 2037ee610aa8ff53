package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterStore keeps one token bucket per key (here: Discord user id) and
// lazily drops buckets idle past ttl. Used to slow down self-service
// account commands.
type LimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
	r        rate.Limit
	b        int
	ttl      time.Duration
}

type userLimiter struct {
	lim     *rate.Limiter
	lastHit time.Time
}

func NewLimiterStore(r rate.Limit, burst int, ttl time.Duration) *LimiterStore {
	return &LimiterStore{
		limiters: make(map[string]*userLimiter),
		r:        r,
		b:        burst,
		ttl:      ttl,
	}
}

// Allow reports whether the key may proceed, consuming one token.
func (s *LimiterStore) Allow(key string) bool {
	if key == "" {
		key = "unknown"
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// lazy cleanup
	for k, v := range s.limiters {
		if now.Sub(v.lastHit) > s.ttl {
			delete(s.limiters, k)
		}
	}

	ul, ok := s.limiters[key]
	if !ok {
		ul = &userLimiter{
			lim:     rate.NewLimiter(s.r, s.b),
			lastHit: now,
		}
		s.limiters[key] = ul
	}

	ul.lastHit = now
	return ul.lim.Allow()
}
