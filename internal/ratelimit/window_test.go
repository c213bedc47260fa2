package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_DeniesAboveMax(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewLimiter(clk, time.Minute, 100)

	for i := 0; i < 100; i++ {
		if !l.Allow("conn") {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
	}
	if l.Allow("conn") {
		t.Fatalf("request 101 unexpectedly admitted")
	}
}

func TestLimiter_AdmitsAfterWindowElapses(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewLimiter(clk, time.Minute, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("conn") {
			t.Fatalf("initial request %d denied", i+1)
		}
	}
	if l.Allow("conn") {
		t.Fatalf("expected denial at capacity")
	}

	clk.Advance(time.Minute + time.Millisecond)
	if !l.Allow("conn") {
		t.Fatalf("expected admission after window elapsed")
	}
}

func TestLimiter_DeniedRequestsAreNotRecorded(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewLimiter(clk, time.Minute, 1)

	if !l.Allow("conn") {
		t.Fatalf("first request denied")
	}

	// Hammering while denied must not push the admission point out.
	for i := 0; i < 10; i++ {
		clk.Advance(time.Second)
		if l.Allow("conn") {
			t.Fatalf("request during penalty admitted")
		}
	}

	clk.Advance(50*time.Second + time.Millisecond)
	if !l.Allow("conn") {
		t.Fatalf("expected admission once the recorded timestamp expired")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewLimiter(clk, time.Minute, 1)

	if !l.Allow("a") {
		t.Fatalf("a denied")
	}
	if !l.Allow("b") {
		t.Fatalf("b denied despite separate window")
	}
	if l.Allow("a") {
		t.Fatalf("a admitted above its max")
	}
}

func TestLimiter_SweepRemovesEmptyWindows(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewLimiter(clk, time.Minute, 10)

	for i := 0; i < 5; i++ {
		l.Allow(fmt.Sprintf("conn-%d", i))
	}
	if got := l.size(); got != 5 {
		t.Fatalf("size = %d, want 5", got)
	}

	if removed := l.Sweep(); removed != 0 {
		t.Fatalf("sweep removed %d live windows", removed)
	}

	clk.Advance(2 * time.Minute)
	if removed := l.Sweep(); removed != 5 {
		t.Fatalf("sweep removed %d windows, want 5", removed)
	}
	if got := l.size(); got != 0 {
		t.Fatalf("size after sweep = %d, want 0", got)
	}
}

func TestLimiter_Forget(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewLimiter(clk, time.Minute, 1)

	l.Allow("conn")
	l.Forget("conn")

	if !l.Allow("conn") {
		t.Fatalf("expected fresh window after Forget")
	}
}

func TestLimiter_ZeroConfigUsesDefaults(t *testing.T) {
	l := NewLimiter(nil, 0, 0)
	if l.window != DefaultWindow {
		t.Fatalf("window = %v, want %v", l.window, DefaultWindow)
	}
	if l.maxRequests != DefaultMaxRequests {
		t.Fatalf("maxRequests = %d, want %d", l.maxRequests, DefaultMaxRequests)
	}
}
