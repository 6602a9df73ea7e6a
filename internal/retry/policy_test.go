package retry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyUntilSucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := Policy{Interval: 5 * time.Millisecond, Timeout: time.Second}
	ok := p.Until(context.Background(), func(context.Context) bool {
		return calls.Add(1) >= 3
	})
	require.True(t, ok)
	require.EqualValues(t, 3, calls.Load())
}

func TestPolicyUntilTimesOut(t *testing.T) {
	t.Parallel()

	p := Policy{Interval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond}
	start := time.Now()
	ok := p.Until(context.Background(), func(context.Context) bool { return false })
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.Less(t, time.Since(start), time.Second)
}

func TestPolicyUntilHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	ok := Policy{Interval: time.Millisecond, Timeout: time.Second}.Until(ctx, func(context.Context) bool {
		calls.Add(1)
		return true
	})
	require.False(t, ok)
	require.Zero(t, calls.Load())
}

func TestBackoffDelayBounded(t *testing.T) {
	t.Parallel()

	b := NewBackoff(3)
	require.True(t, b.Allow(3))
	require.False(t, b.Allow(4))
	for attempt := 1; attempt <= 10; attempt++ {
		d := b.Delay(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, b.MaxDelay)
	}
}
