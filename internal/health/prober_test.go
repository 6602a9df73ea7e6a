package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sketch-tutor/internal/retry"
)

func TestWaitSucceedsOnThirdPoll(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != Path {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(nil, nil, nil)
	ok := p.Wait(context.Background(), srv.URL, "", retry.Policy{Interval: 10 * time.Millisecond, Timeout: 2 * time.Second})
	require.True(t, ok)
	require.EqualValues(t, 3, hits.Load())
}

func TestWaitReturnsFalseWhenNeverHealthy(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProber(nil, nil, nil)
	ok := p.Wait(context.Background(), srv.URL, "", retry.Policy{Interval: 10 * time.Millisecond, Timeout: 80 * time.Millisecond})
	require.False(t, ok)
}

func TestWaitUnreachableAddress(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	p := NewProber(nil, nil, nil)
	ok := p.Wait(context.Background(), addr, "tok", retry.Policy{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond})
	require.False(t, ok)
}

func TestCheckAttachesToken(t *testing.T) {
	t.Parallel()

	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get(TokenHeader))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewProber(srv.Client(), nil, nil)
	require.True(t, p.Check(context.Background(), srv.URL+Path, "secret"))
	require.Equal(t, "secret", seen.Load())

	require.True(t, p.Check(context.Background(), srv.URL+Path, ""))
	require.Equal(t, "", seen.Load())
}
