package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitUntilFires(t *testing.T) {
	c := &Clock{Slice: 10 * time.Millisecond, MinDelay: time.Millisecond}
	target := time.Now().Add(40 * time.Millisecond)

	r := c.WaitUntil(context.Background(), target, NewSignal())

	assert.Equal(t, Fired, r)
	assert.False(t, time.Now().Before(target), "must not fire before the target")
}

func TestWaitUntilPastTargetWaitsFloor(t *testing.T) {
	c := &Clock{Slice: time.Second, MinDelay: 30 * time.Millisecond}
	start := time.Now()

	r := c.WaitUntil(context.Background(), start.Add(-time.Hour), nil)

	assert.Equal(t, Fired, r)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitUntilInterruptedMidSlice(t *testing.T) {
	// slice much longer than the interrupt delay: the interrupt must be seen
	// inside the slice, not at its boundary
	c := &Clock{Slice: time.Minute}
	sig := NewSignal()

	go func() {
		time.Sleep(20 * time.Millisecond)
		sig.Notify()
	}()

	start := time.Now()
	r := c.WaitUntil(context.Background(), start.Add(time.Hour), sig)

	assert.Equal(t, Interrupted, r)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitUntilContextCancel(t *testing.T) {
	c := &Clock{Slice: time.Minute}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	r := c.WaitUntil(ctx, time.Now().Add(time.Hour), nil)

	assert.Equal(t, Interrupted, r)
	assert.Error(t, ctx.Err())
}

func TestWaitUntilRecomputesAgainstClock(t *testing.T) {
	// a fake clock that jumps forward on every read: the wait ends once the
	// recomputed remaining duration reaches zero, long before the real target
	base := time.Now()
	calls := 0
	c := &Clock{
		Slice: 5 * time.Millisecond,
		Now: func() time.Time {
			calls++
			return base.Add(time.Duration(calls) * time.Hour)
		},
	}

	start := time.Now()
	r := c.WaitUntil(context.Background(), base.Add(3*time.Hour), nil)

	assert.Equal(t, Fired, r)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSignalCollapses(t *testing.T) {
	sig := NewSignal()
	sig.Notify()
	sig.Notify()

	c := &Clock{Slice: time.Minute}
	assert.Equal(t, Interrupted, c.Sleep(context.Background(), time.Hour, sig))

	sig.Notify()
	sig.Clear()
	assert.Equal(t, Fired, c.Sleep(context.Background(), 10*time.Millisecond, sig))
}
