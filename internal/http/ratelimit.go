package http

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedTenants caps the number of tracked keys so a caller rotating
// tenant ids cannot grow the map without bound.
const maxTrackedTenants = 4096

type tenantLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TenantRateLimiter is a token bucket per tenant: perMin requests of burst,
// refilled evenly over a minute. Safe for concurrent use.
type TenantRateLimiter struct {
	mu      sync.Mutex
	perMin  int
	tenants map[string]*tenantLimiter
	now     func() time.Time
}

// NewTenantRateLimiter returns a limiter allowing perMin requests per
// tenant per minute. perMin <= 0 disables limiting.
func NewTenantRateLimiter(perMin int) *TenantRateLimiter {
	return &TenantRateLimiter{perMin: perMin, tenants: make(map[string]*tenantLimiter), now: time.Now}
}

// Allow takes one token from key's bucket and reports whether one was left.
func (r *TenantRateLimiter) Allow(key string) bool {
	if r == nil || r.perMin <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	t, ok := r.tenants[key]
	if !ok {
		r.evict(now)
		t = &tenantLimiter{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.perMin)), r.perMin)}
		r.tenants[key] = t
	}
	t.lastSeen = now
	return t.limiter.AllowN(now, 1)
}

// evict makes room for one more tenant. A bucket idle for a minute is full
// again, so dropping it loses nothing; past that the oldest goes.
func (r *TenantRateLimiter) evict(now time.Time) {
	if len(r.tenants) < maxTrackedTenants {
		return
	}
	for k, t := range r.tenants {
		if now.Sub(t.lastSeen) >= time.Minute {
			delete(r.tenants, k)
		}
	}
	for len(r.tenants) >= maxTrackedTenants {
		var oldest string
		var at time.Time
		for k, t := range r.tenants {
			if oldest == "" || t.lastSeen.Before(at) {
				oldest, at = k, t.lastSeen
			}
		}
		delete(r.tenants, oldest)
	}
}
