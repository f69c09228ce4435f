// Package ratelimit guards the server's session-initiation path: a
// flood of session_id==0 packets should not be able to exhaust the
// pending_init slots or spawn unbounded workers. The router keys the
// limiter by wrap module name, so the rate is bounded per wrap module,
// not per remote address.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// PerKeyLimiter tracks one token-bucket limiter per key, lazily
// created on first use.
type PerKeyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewPerKeyLimiter builds a limiter allowing limit events per second,
// bursting up to burst, independently for every distinct key.
func NewPerKeyLimiter(limit rate.Limit, burst int) *PerKeyLimiter {
	return &PerKeyLimiter{limiters: make(map[string]*rate.Limiter), limit: limit, burst: burst}
}

func (p *PerKeyLimiter) limiterFor(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[key] = l
	}
	return l
}

// Allow reports whether key may proceed now, consuming one token if so.
func (p *PerKeyLimiter) Allow(key string) bool {
	return p.limiterFor(key).Allow()
}

// Forget drops a key's limiter, e.g. once its session has been
// established and the initiation-rate guard no longer applies to it.
func (p *PerKeyLimiter) Forget(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, key)
}
