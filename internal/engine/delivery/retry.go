package delivery

import (
	"sync"
	"time"
)

// Scheduler arms one cancellable retry timer per undelivered item,
// with exponential backoff capped at a ceiling. Backoff state lives in
// memory only: after a restart every undelivered item starts again
// from the minimum delay. There is no retry cap; an item stays
// retryable until it is delivered or deleted.
type Scheduler struct {
	min  time.Duration
	max  time.Duration
	fire func(id string)

	mu       sync.Mutex
	timers   map[string]*time.Timer
	attempts map[string]int
}

func NewScheduler(min, max time.Duration, fire func(id string)) *Scheduler {
	if min <= 0 {
		min = 5 * time.Second
	}
	if max < min {
		max = min
	}
	return &Scheduler{
		min:      min,
		max:      max,
		fire:     fire,
		timers:   make(map[string]*time.Timer),
		attempts: make(map[string]int),
	}
}

// Schedule arms (or re-arms) the item's timer and returns the delay
// chosen for this attempt.
func (s *Scheduler) Schedule(id string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
	}

	s.attempts[id]++
	delay := s.delayFor(s.attempts[id])

	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.fire(id)
	})
	return delay
}

// Cancel discards any pending timer and forgets the backoff history.
// Called on delivery, deletion, and permanent failure.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.attempts, id)
}

// Reset zeroes the backoff so the next transient failure starts from
// the minimum delay again. A manual retry request resets before it
// attempts.
func (s *Scheduler) Reset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.attempts[id] = 0
}

// Pending reports whether a timer is armed for the item.
func (s *Scheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Stop cancels every armed timer, for shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) delayFor(attempt int) time.Duration {
	delay := s.min
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.max {
			return s.max
		}
	}
	return delay
}
