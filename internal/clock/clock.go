package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
type RealClock struct{}

// Now returns current UTC time.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock for tests and replays.
// Params: start time; advanced explicitly by callers.
// Returns: concurrency-safe deterministic clock.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates manual clock pinned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns pinned time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves clock forward by delta.
func (m *Manual) Advance(delta time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(delta)
	m.mu.Unlock()
}

// Set pins clock to value.
func (m *Manual) Set(value time.Time) {
	m.mu.Lock()
	m.now = value.UTC()
	m.mu.Unlock()
}
