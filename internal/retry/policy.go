// Package retry holds the bounded sleep-and-retry policies shared by the
// backend readiness probe, port discovery, and event channel redials.
package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Policy polls a predicate every Interval until it succeeds or Timeout
// elapses.
type Policy struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Predicate reports whether the awaited condition holds. Implementations must
// not panic; failures are simply reported as false.
type Predicate func(ctx context.Context) bool

// Until evaluates pred immediately and then once per Interval. It returns true
// as soon as pred does, and false when Timeout elapses or ctx ends first. The
// predicate is never invoked after the deadline has passed.
func (p Policy) Until(ctx context.Context, pred Predicate) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	deadline := time.Now().Add(p.Timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C
	for {
		if ctx.Err() != nil {
			return false
		}
		if pred(ctx) {
			return true
		}
		if time.Until(deadline) <= 0 {
			return false
		}
		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
}

// Backoff implements jittered exponential delays between redial attempts.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewBackoff builds a Backoff with sane defaults.
func NewBackoff(maxAttempts int) Backoff {
	return Backoff{
		MaxAttempts: maxAttempts,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Allow reports whether another attempt is permitted. Attempts are 1-based.
func (b Backoff) Allow(attempt int) bool {
	return attempt <= b.MaxAttempts
}

// Delay returns the wait duration before the given attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
