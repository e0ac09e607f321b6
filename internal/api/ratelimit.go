package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// authRateLimiter keeps one token bucket per action and remote IP.
type authRateLimiter struct {
	enabled bool
	limits  map[string]int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newAuthRateLimiter(cfg RateLimitPolicy) *authRateLimiter {
	return &authRateLimiter{
		enabled: cfg.Enabled,
		limits: map[string]int{
			"read":   cfg.ReadPerMinute,
			"ingest": cfg.IngestPerMinute,
		},
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *authRateLimiter) Allow(r *http.Request, action string) bool {
	if l == nil || !l.enabled {
		return true
	}
	action = strings.TrimSpace(action)
	perMinute := l.limits[action]
	if perMinute <= 0 {
		return true
	}
	key := action + "|" + requestRemoteIP(r)

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
