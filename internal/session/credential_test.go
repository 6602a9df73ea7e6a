package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sketch-tutor/internal/supervisor"
)

func TestIssueProducesDistinct128BitTokens(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		tok, err := Issue()
		require.NoError(t, err)
		require.Len(t, tok, 32)
		_, dup := seen[tok]
		require.False(t, dup)
		seen[tok] = struct{}{}
	}
}

func TestPublishOnce(t *testing.T) {
	t.Parallel()

	p := NewPublisher()
	_, ok := p.Credential()
	require.False(t, ok)

	first := p.Publish(&supervisor.Handle{Address: "http://127.0.0.1:5123", Token: "t1", Ready: true})
	second := p.Publish(&supervisor.Handle{Address: "http://127.0.0.1:9999", Token: "t2"})

	require.Equal(t, first, second)
	require.Equal(t, "http://127.0.0.1:5123", second.Address)
	require.Equal(t, "t1", second.Token)

	got, ok := p.Credential()
	require.True(t, ok)
	require.Equal(t, first, got)
	<-p.Published()
}

func TestPublishCarriesError(t *testing.T) {
	t.Parallel()

	p := NewPublisher()
	cred := p.Publish(&supervisor.Handle{Address: "http://127.0.0.1:8000", LastError: errors.New("backend not ready")})
	require.False(t, cred.Ready)
	require.Equal(t, "backend not ready", cred.Error)
}

func TestPublishConcurrent(t *testing.T) {
	t.Parallel()

	p := NewPublisher()
	var wg sync.WaitGroup
	results := make([]Credential, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Publish(&supervisor.Handle{Address: fmt.Sprintf("http://h%d", i), Token: "x"})
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		require.Equal(t, results[0], r)
	}
}

func TestCredentialStringHidesToken(t *testing.T) {
	t.Parallel()

	c := Credential{Address: "http://a", Token: "super-secret"}
	require.NotContains(t, c.String(), "super-secret")
	require.NotContains(t, fmt.Sprint(c), "super-secret")
}
