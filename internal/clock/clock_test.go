package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type frozen struct{ at time.Time }

func (f frozen) Now() time.Time { return f.at }

func TestStamperStrictlyIncreasingOnFrozenClock(t *testing.T) {
	t.Parallel()

	at := time.UnixMilli(1_700_000_000_000)
	s := NewStamper(frozen{at: at})

	first := s.Next()
	second := s.Next()
	require.Equal(t, at.UnixMilli(), first)
	require.Equal(t, first+1, second)
}

func TestStamperConcurrentUnique(t *testing.T) {
	t.Parallel()

	s := NewStamper(frozen{at: time.UnixMilli(42)})
	const n = 64
	seen := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- s.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]struct{}, n)
	for v := range seen {
		unique[v] = struct{}{}
	}
	require.Len(t, unique, n)
}
