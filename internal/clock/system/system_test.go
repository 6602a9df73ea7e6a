package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sketch-tutor/internal/clock"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	var clk clock.Clock = New()

	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "expected %v between %v and %v", got, before, after)
}

func TestStamperOverWallClock(t *testing.T) {
	t.Parallel()

	s := clock.NewStamper(New())
	first := s.Next()
	second := s.Next()
	require.Greater(t, second, first)
}
