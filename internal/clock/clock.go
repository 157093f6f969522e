// Package clock provides a sliced, interruptible wait used by the scheduling
// loop and between retry iterations.
package clock

import (
	"context"
	"time"
)

const (
	DefaultSlice    = 60 * time.Second
	DefaultMinDelay = time.Second
)

// Signal is a single-slot wake flag. Notify never blocks; repeated notifies
// before the waiter observes them collapse into one.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify sets the flag and wakes a pending wait.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Clear drops a pending notification without waiting.
func (s *Signal) Clear() {
	select {
	case <-s.ch:
	default:
	}
}

func (s *Signal) c() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.ch
}

// Result of a wait.
type Result int

const (
	Fired Result = iota
	Interrupted
)

func (r Result) String() string {
	if r == Fired {
		return "fired"
	}
	return "interrupted"
}

// Clock waits until wall-clock instants. The zero value uses time.Now, a
// 60s slice and a 1s floor delay.
type Clock struct {
	Now      func() time.Time
	Slice    time.Duration
	MinDelay time.Duration
}

func New(slice time.Duration) *Clock {
	return &Clock{Now: time.Now, Slice: slice, MinDelay: DefaultMinDelay}
}

func (c *Clock) now() time.Time {
	if c == nil || c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Clock) slice() time.Duration {
	if c == nil || c.Slice <= 0 {
		return DefaultSlice
	}
	return c.Slice
}

func (c *Clock) minDelay() time.Duration {
	if c == nil || c.MinDelay <= 0 {
		return DefaultMinDelay
	}
	return c.MinDelay
}

// WaitUntil blocks until target, ctx is done, or sig is notified. The
// remaining duration is recomputed against the wall clock after every slice.
// A target already in the past still waits MinDelay before firing.
func (c *Clock) WaitUntil(ctx context.Context, target time.Time, sig *Signal) Result {
	if !c.now().Before(target) {
		return c.sleep(ctx, c.minDelay(), sig)
	}
	for {
		remaining := target.Sub(c.now())
		if remaining <= 0 {
			return Fired
		}
		d := remaining
		if s := c.slice(); d > s {
			d = s
		}
		if r := c.sleep(ctx, d, sig); r == Interrupted {
			return r
		}
	}
}

// Sleep waits d, returning early on ctx or sig.
func (c *Clock) Sleep(ctx context.Context, d time.Duration, sig *Signal) Result {
	return c.WaitUntil(ctx, c.now().Add(d), sig)
}

func (c *Clock) sleep(ctx context.Context, d time.Duration, sig *Signal) Result {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Interrupted
	case <-sig.c():
		return Interrupted
	case <-t.C:
		return Fired
	}
}
