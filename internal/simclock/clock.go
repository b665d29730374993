// Package simclock maps wall-clock time onto virtual historical time. The
// fleet runs in the past at a configurable speed; any live session forces
// realtime so keystroke pacing stays human while someone is connected.
package simclock

import (
	"context"
	"sync"
	"time"

	"bbsfleet/internal/logging"
)

// sleepSlice bounds one uninterruptible sleep inside WaitUntil, so pause,
// speed changes, and cancellation are picked up promptly during long waits.
const sleepSlice = 100 * time.Millisecond

// Clock is the shared simulation clock.
//
// Speed semantics: 0 is turbo (time jumps straight to any waited-for
// instant), 1 is realtime, N is N-times-faster-than-real. While any session
// is active the effective speed is pinned to 1 regardless of configuration.
type Clock struct {
	mu       sync.Mutex
	baseSim  time.Time
	baseReal time.Time
	speed    float64
	active   int
	paused   bool
	resumeCh chan struct{}
	logger   logging.Logger
}

// New creates a clock anchored so that Now() == simStart at creation.
func New(simStart time.Time, speed float64, logger logging.Logger) *Clock {
	if speed < 0 {
		speed = 0
	}
	return &Clock{
		baseSim:  simStart,
		baseReal: time.Now(),
		speed:    speed,
		logger:   logging.OrNop(logger),
	}
}

func (c *Clock) effectiveSpeedLocked() float64 {
	if c.active > 0 {
		return 1
	}
	return c.speed
}

// EffectiveSpeed returns 1 while any session is active, otherwise the
// configured speed.
func (c *Clock) EffectiveSpeed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveSpeedLocked()
}

func (c *Clock) nowLocked() time.Time {
	speed := c.effectiveSpeedLocked()
	if speed == 0 {
		return c.baseSim
	}
	elapsed := time.Since(c.baseReal)
	return c.baseSim.Add(time.Duration(float64(elapsed) * speed))
}

// Now returns the current simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

// reanchorLocked snapshots the current sim instant into the bases so a
// subsequent speed change cannot move Now() backward or forward.
func (c *Clock) reanchorLocked() {
	c.baseSim = c.nowLocked()
	c.baseReal = time.Now()
}

// SetSpeed reconfigures the clock speed, preserving continuity of Now().
func (c *Clock) SetSpeed(speed float64) {
	if speed < 0 {
		speed = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reanchorLocked()
	c.speed = speed
	c.logger.Info("sim speed set to %gx", speed)
}

// Speed returns the configured (not effective) speed.
func (c *Clock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// Pause freezes scheduling. Sessions already running continue; WaitUntil
// callers block until Resume.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.reanchorLocked()
	c.paused = true
	c.resumeCh = make(chan struct{})
	c.logger.Info("sim clock paused")
}

// Resume unfreezes the clock and wakes every waiter.
func (c *Clock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.reanchorLocked()
	c.paused = false
	close(c.resumeCh)
	c.resumeCh = nil
	c.logger.Info("sim clock resumed")
}

// IsPaused reports the pause flag.
func (c *Clock) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// WaitForResume blocks while the clock is paused.
func (c *Clock) WaitForResume(ctx context.Context) error {
	for {
		c.mu.Lock()
		if !c.paused {
			c.mu.Unlock()
			return nil
		}
		ch := c.resumeCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SessionStarted records a live session. Crossing 0 -> 1 reanchors so the
// jump to effective speed 1 keeps Now() continuous.
func (c *Clock) SessionStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == 0 {
		c.reanchorLocked()
	}
	c.active++
}

// SessionEnded records a session completion; the count never goes below 0.
func (c *Clock) SessionEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == 0 {
		return
	}
	if c.active == 1 {
		c.reanchorLocked()
	}
	c.active--
}

// ActiveSessions reports the live session count.
func (c *Clock) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// WaitUntil blocks until Now() reaches target. In turbo it jumps the clock
// forward and returns immediately. The wait re-evaluates speed and pause in
// short slices, so configuration changes mid-wait take effect.
func (c *Clock) WaitUntil(ctx context.Context, target time.Time) error {
	for {
		if err := c.WaitForResume(ctx); err != nil {
			return err
		}

		c.mu.Lock()
		speed := c.effectiveSpeedLocked()
		now := c.nowLocked()
		if !now.Before(target) {
			c.mu.Unlock()
			return nil
		}
		if speed == 0 {
			// Turbo: jump straight to the target.
			c.baseSim = target
			c.baseReal = time.Now()
			c.mu.Unlock()
			return nil
		}
		realDelta := time.Duration(float64(target.Sub(now)) / speed)
		c.mu.Unlock()

		if realDelta > sleepSlice {
			realDelta = sleepSlice
		}
		select {
		case <-time.After(realDelta):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
