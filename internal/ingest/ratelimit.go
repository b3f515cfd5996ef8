package ingest

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sourceLimiter throttles alert intake per alert source.
type sourceLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	limit      rate.Limit
	burst      int
}

// newSourceLimiter allows perMinute alerts per source with a 10% burst (at least 1).
// Returns nil when perMinute <= 0, which disables limiting.
func newSourceLimiter(perMinute int) *sourceLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &sourceLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		limit:      rate.Limit(float64(perMinute) / 60.0),
		burst:      max(1, perMinute/10),
	}
}

func (l *sourceLimiter) allow(source string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[source] = limiter
	}
	l.lastAccess[source] = now
	return limiter.AllowN(now, 1)
}

// evict forgets sources idle longer than maxAge.
func (l *sourceLimiter) evict(now time.Time, maxAge time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for source, last := range l.lastAccess {
		if now.Sub(last) > maxAge {
			delete(l.limiters, source)
			delete(l.lastAccess, source)
			removed++
		}
	}
	return removed
}
