// Package system provides the wall clock and a stepping clock for tests.
package system

import (
	"sync"
	"time"
)

// Clock implements crawler.Clock using time.Now in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Stepping is a deterministic clock that advances by Step on every call.
type Stepping struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewStepping starts at start and advances by step per Now call.
func NewStepping(start time.Time, step time.Duration) *Stepping {
	return &Stepping{next: start.UTC(), step: step}
}

// Now returns the current reading and advances the clock.
func (s *Stepping) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.next
	s.next = s.next.Add(s.step)
	return now
}
