package schedule

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"bbsfleet/internal/logging"
	"bbsfleet/internal/persona"
	"bbsfleet/internal/simclock"
)

// Scheduler walks the day plan in sim time and emits due sessions. It runs
// in its own goroutine until its context is cancelled.
type Scheduler struct {
	clock    *simclock.Clock
	personas []*persona.Persona
	logger   logging.Logger
	rng      *rand.Rand
	out      chan ScheduledSession

	mu              sync.Mutex
	plan            []ScheduledSession
	lastPlanKey     string
	lastSessionTime map[string]time.Time
	stopOnce        sync.Once
}

// New creates a scheduler for the given personas. seed fixes the jitter
// stream; pass 0 for a time-derived seed.
func New(clock *simclock.Clock, personas []*persona.Persona, seed int64, logger logging.Logger) *Scheduler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Scheduler{
		clock:           clock,
		personas:        personas,
		logger:          logging.OrNop(logger),
		rng:             rand.New(rand.NewSource(seed)),
		out:             make(chan ScheduledSession, 16),
		lastSessionTime: make(map[string]time.Time),
	}
}

// Sessions is the stream of due sessions, in non-decreasing sim-time order
// within one day plan. Closed when the scheduler stops.
func (s *Scheduler) Sessions() <-chan ScheduledSession {
	return s.out
}

// LastSessionTime reports the most recent scheduled time emitted for handle.
func (s *Scheduler) LastSessionTime(handle string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastSessionTime[handle]
	return at, ok
}

// PlannedCount reports how many sessions remain in the current day plan.
func (s *Scheduler) PlannedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plan)
}

// Run drives the scheduler until ctx is cancelled. It closes the session
// stream on exit.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.stopOnce.Do(func() { close(s.out) })

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.clock.WaitForResume(ctx); err != nil {
			return
		}

		now := s.clock.Now()
		s.regenerateIfNewDay(now)

		next, ok := s.nextDue(now)
		if !ok {
			// Nothing left today; advance to the next midnight.
			midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
				Add(24 * time.Hour)
			if err := s.clock.WaitUntil(ctx, midnight); err != nil {
				return
			}
			continue
		}

		if err := s.clock.WaitUntil(ctx, next.At); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if s.clock.IsPaused() {
			continue // re-check from the top; the session stays planned
		}

		s.mu.Lock()
		s.lastSessionTime[next.Handle] = next.At
		s.removeLocked(next)
		s.mu.Unlock()

		select {
		case s.out <- next:
			s.logger.Info("session due: %s at %s", next.Handle, next.At.Format("2006-01-02 15:04"))
		case <-ctx.Done():
			return
		}

		// Yield so the pool can pick the session up before the next plan
		// entry (relevant in turbo, where WaitUntil never sleeps).
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Scheduler) regenerateIfNewDay(now time.Time) {
	key := now.Format("2006-01-02")
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.lastPlanKey {
		return
	}
	s.plan = GeneratePlan(s.personas, now, s.rng)
	s.lastPlanKey = key
	s.logger.Info("generated day plan for %s: %d sessions", key, len(s.plan))
}

// nextDue finds the earliest plan entry at or after now. Entries already in
// the past (missed while paused or before startup) are dropped.
func (s *Scheduler) nextDue(now time.Time) (ScheduledSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.plan[:0]
	var next ScheduledSession
	found := false
	for _, entry := range s.plan {
		if entry.At.Before(now) {
			continue
		}
		kept = append(kept, entry)
		if !found {
			next = entry
			found = true
		}
	}
	s.plan = kept
	return next, found
}

func (s *Scheduler) removeLocked(target ScheduledSession) {
	for i, entry := range s.plan {
		if entry.Handle == target.Handle && entry.At.Equal(target.At) {
			s.plan = append(s.plan[:i], s.plan[i+1:]...)
			return
		}
	}
}
