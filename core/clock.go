package core

import (
	"sync/atomic"
	"time"
)

// Clock allocates commit timestamps.
//
// Every timestamp returned from Tick is strictly greater than all timestamps previously
// returned or received. Implementations must be safe for concurrent use.
type Clock interface {
	// Tick returns a new timestamp.
	Tick() int64
	// Receive ensures future timestamps are greater than the given timestamp.
	Receive(ts int64)
	// Value returns the last allocated timestamp without advancing the clock.
	Value() int64
}

// LamportClock is a logical clock that increments by one on every tick.
type LamportClock struct {
	ts atomic.Int64
}

// NewLamportClock returns a logical clock starting at zero.
func NewLamportClock() *LamportClock {
	return &LamportClock{}
}

func (c *LamportClock) Tick() int64 {
	return c.ts.Add(1)
}

func (c *LamportClock) Receive(ts int64) {
	receive(&c.ts, ts)
}

func (c *LamportClock) Value() int64 {
	return c.ts.Load()
}

// WallClock allocates timestamps from the system clock in nanoseconds.
//
// Ties and clock regressions are broken by incrementing the last timestamp.
type WallClock struct {
	ts  atomic.Int64
	now func() time.Time
}

// NewWallClock returns a clock backed by time.Now.
func NewWallClock() *WallClock {
	return &WallClock{now: time.Now}
}

func (c *WallClock) Tick() int64 {
	for {
		last := c.ts.Load()
		next := c.now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if c.ts.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (c *WallClock) Receive(ts int64) {
	receive(&c.ts, ts)
}

func (c *WallClock) Value() int64 {
	return c.ts.Load()
}

func receive(v *atomic.Int64, ts int64) {
	for {
		cur := v.Load()
		if ts <= cur || v.CompareAndSwap(cur, ts) {
			return
		}
	}
}
