// Package clock provides the attempt countdown.
//
// The countdown is anchored on a single origin captured at Start and
// recomputes the remaining time from it on every Tick, so missed or late
// ticks never accumulate drift. time.Time values produced by time.Now carry a
// monotonic reading, which keeps wall-clock adjustments out of the arithmetic.
package clock

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyStarted = errors.New("countdown already started")
	ErrNotStarted     = errors.New("countdown not started")
	ErrInvalidLength  = errors.New("countdown duration must be positive")
)

// Countdown is a pausable, drift-free countdown. It is safe for concurrent use.
type Countdown struct {
	mu  sync.Mutex
	now func() time.Time

	duration time.Duration
	origin   time.Time
	// paused accumulates time spent paused; pausedAt is set while paused.
	paused   time.Duration
	pausedAt time.Time
	started  bool
	fired    bool
}

// New returns a countdown reading the system clock.
func New() *Countdown {
	return NewWithSource(time.Now)
}

// NewWithSource returns a countdown reading the given time source.
func NewWithSource(now func() time.Time) *Countdown {
	return &Countdown{now: now}
}

// Start begins counting down from d.
func (c *Countdown) Start(d time.Duration) error {
	_, err := c.StartWithElapsed(d, 0)
	return err
}

// StartWithElapsed begins a countdown of total length d of which elapsed has
// already been consumed. elapsed is clamped into [0, d]; clamped reports
// whether clamping happened.
func (c *Countdown) StartWithElapsed(d, elapsed time.Duration) (clamped bool, err error) {
	if d <= 0 {
		return false, ErrInvalidLength
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return false, ErrAlreadyStarted
	}
	switch {
	case elapsed < 0:
		elapsed, clamped = 0, true
	case elapsed > d:
		elapsed, clamped = d, true
	}

	c.duration = d
	c.origin = c.now().Add(-elapsed)
	c.paused = 0
	c.pausedAt = time.Time{}
	c.started = true
	c.fired = false
	return clamped, nil
}

// Tick returns the remaining whole seconds and reports expired=true exactly
// once, on the first call that observes zero.
func (c *Countdown) Tick() (remaining int, expired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return 0, false
	}
	remaining = seconds(c.remainingLocked())
	if remaining == 0 && !c.fired {
		c.fired = true
		expired = true
	}
	return remaining, expired
}

// Pause freezes the countdown. Pausing twice is a no-op.
func (c *Countdown) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || !c.pausedAt.IsZero() {
		return
	}
	c.pausedAt = c.now()
}

// Resume continues a paused countdown.
func (c *Countdown) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.pausedAt.IsZero() {
		return
	}
	if d := c.now().Sub(c.pausedAt); d > 0 {
		c.paused += d
	}
	c.pausedAt = time.Time{}
}

// Paused reports whether the countdown is paused.
func (c *Countdown) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.pausedAt.IsZero()
}

// Elapsed returns the consumed part of the duration, bounded by it.
func (c *Countdown) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return 0
	}
	return c.duration - c.remainingLocked()
}

// Remaining returns whole seconds left without consuming the expiry edge.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return 0
	}
	return seconds(c.remainingLocked())
}

// Expired reports whether the expiry edge has fired.
func (c *Countdown) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}

// Reset returns the countdown to its unstarted state.
func (c *Countdown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duration = 0
	c.origin = time.Time{}
	c.paused = 0
	c.pausedAt = time.Time{}
	c.started = false
	c.fired = false
}

func (c *Countdown) remainingLocked() time.Duration {
	end := c.now()
	if !c.pausedAt.IsZero() {
		end = c.pausedAt
	}
	used := end.Sub(c.origin) - c.paused
	if used < 0 {
		used = 0
	}
	left := c.duration - used
	if left < 0 {
		return 0
	}
	if left > c.duration {
		return c.duration
	}
	return left
}

// seconds rounds up so a fresh countdown shows its full length and reaches 0
// only once fully elapsed.
func seconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
