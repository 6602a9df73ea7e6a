// Package clock defines the time source used for cache busting and a stamper
// that turns it into strictly increasing values.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Stamper issues millisecond timestamps that never repeat or go backwards,
// even when the clock does.
type Stamper struct {
	clock Clock

	mu   sync.Mutex
	last int64
}

// NewStamper builds a Stamper over c.
func NewStamper(c Clock) *Stamper {
	return &Stamper{clock: c}
}

// Next returns the next stamp.
func (s *Stamper) Next() int64 {
	now := s.clock.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	return now
}
