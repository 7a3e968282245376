package lockmgr

import "time"

// Clock is the time source of the lock manager. TTL checks, await deadlines
// and the eviction sweep all go through it so tests can control time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTimer returns a timer that fires once after d.
	NewTimer(d time.Duration) Timer

	// NewTicker returns a ticker firing every d. d must be positive.
	NewTicker(d time.Duration) Ticker
}

// Timer is the part of time.Timer the partitions use.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Ticker is the part of time.Ticker the partitions use.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SystemClock is a Clock backed by the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) NewTimer(d time.Duration) Timer {
	return systemTimer{time.NewTimer(d)}
}

func (SystemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{time.NewTicker(d)}
}

type systemTimer struct{ t *time.Timer }

func (s systemTimer) C() <-chan time.Time { return s.t.C }
func (s systemTimer) Stop() bool          { return s.t.Stop() }

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

// nowMillis returns the clock time as unix milliseconds.
func nowMillis(c Clock) int64 {
	return c.Now().UnixMilli()
}
