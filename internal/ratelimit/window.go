package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxRequests = 100
)

// Limiter is a per-key sliding-window request counter.
//
// Each key (one signaling connection) owns an ordered slice of request
// timestamps inside the trailing window. A request is admitted when, after
// discarding expired timestamps, fewer than maxRequests remain; denied
// requests are not recorded, so a flooding client does not extend its own
// penalty.
type Limiter struct {
	clock       Clock
	window      time.Duration
	maxRequests int

	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewLimiter(clock Clock, window time.Duration, maxRequests int) *Limiter {
	if clock == nil {
		clock = RealClock{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	return &Limiter{
		clock:       clock,
		window:      window,
		maxRequests: maxRequests,
		windows:     make(map[string][]time.Time),
	}
}

// Allow reports whether a request from key is admitted, recording the
// request timestamp when it is.
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	win := l.windows[key]
	win = pruneBefore(win, cutoff)

	if len(win) >= l.maxRequests {
		l.windows[key] = win
		return false
	}

	l.windows[key] = append(win, now)
	return true
}

// Forget drops all state for key. Called when a connection disconnects.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// Sweep removes windows whose every timestamp has expired, bounding memory
// for keys that went quiet without disconnecting. Returns the number of
// windows removed.
func (l *Limiter) Sweep() int {
	cutoff := l.clock.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, win := range l.windows {
		if len(pruneBefore(win, cutoff)) == 0 {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Window returns the configured window duration, used by callers to pick a
// sweep interval.
func (l *Limiter) Window() time.Duration {
	return l.window
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// pruneBefore drops timestamps at or before cutoff. Timestamps are appended
// in order, so the survivors are a suffix.
func pruneBefore(win []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(win) && !win[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return win
	}
	return win[i:]
}
