package session

import (
	"sync"
	"time"
)

// fakeClock hands out timers that only fire when the test says so.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

type fakeTimer struct {
	d       time.Duration
	ticker  bool
	ch      chan time.Time
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }
func (t *fakeTimer) Stop()               { t.stopped = true }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer { return c.add(d, false) }

func (c *fakeClock) NewTicker(d time.Duration) Timer { return c.add(d, true) }

func (c *fakeClock) add(d time.Duration, ticker bool) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, ticker: ticker, ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	return t
}

// fire delivers one tick on t, as if its duration had elapsed. A fired
// one-shot timer no longer counts as live.
func (c *fakeClock) fire(t Timer) {
	ft := t.(*fakeTimer)
	c.mu.Lock()
	c.now = c.now.Add(ft.d)
	now := c.now
	if !ft.ticker {
		ft.stopped = true
	}
	c.mu.Unlock()
	ft.ch <- now
}

// live returns timers that have not been stopped.
func (c *fakeClock) live() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}
