package lockmgr

import (
	"sync"
	"time"
)

// mockClock is a manually advanced Clock. Timers and tickers fire when
// Advance moves the time past their deadline.
type mockClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*mockTimer
	tickers []*mockTicker
}

func newMockClock() *mockClock {
	return &mockClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	active := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if !c.now.Before(t.at) {
			t.stopped = true
			select {
			case t.ch <- c.now:
			default:
			}
			continue
		}
		active = append(active, t)
	}
	c.timers = active

	for _, t := range c.tickers {
		if t.stopped {
			continue
		}
		for !c.now.Before(t.next) {
			select {
			case t.ch <- c.now:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

// Timers returns the number of armed timers.
func (c *mockClock) Timers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (c *mockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{clock: c, at: c.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.stopped = true
		t.ch <- c.now
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

func (c *mockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTicker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

type mockTimer struct {
	clock   *mockClock
	at      time.Time
	ch      chan time.Time
	stopped bool
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type mockTicker struct {
	clock   *mockClock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
