// Package health implements the bounded-retry readiness probe used against a
// candidate backend address.
package health

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sketch-tutor/internal/logging"
	"github.com/JakeFAU/sketch-tutor/internal/metrics"
	"github.com/JakeFAU/sketch-tutor/internal/retry"
)

// TokenHeader carries the session credential on every backend request.
const TokenHeader = "X-Token"

// Path is the readiness endpoint polled on the backend.
const Path = "/health"

// DefaultInterval is the delay between readiness polls.
const DefaultInterval = 300 * time.Millisecond

// Prober polls a backend's readiness endpoint.
type Prober struct {
	client  *http.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewProber builds a Prober. A nil client uses a dedicated client whose
// per-poll timeout keeps a hung backend from eating the whole budget.
func NewProber(client *http.Client, m *metrics.Metrics, logger *zap.Logger) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return &Prober{client: client, metrics: m, logger: logging.OrNop(logger)}
}

// Wait polls baseURL/health under policy and reports whether the backend
// answered with a 2xx before the timeout. It never returns an error.
func (p *Prober) Wait(ctx context.Context, baseURL, token string, policy retry.Policy) bool {
	if policy.Interval <= 0 {
		policy.Interval = DefaultInterval
	}
	target := strings.TrimRight(baseURL, "/") + Path
	ok := policy.Until(ctx, func(ctx context.Context) bool {
		healthy := p.Check(ctx, target, token)
		p.metrics.ObserveProbe(healthy)
		return healthy
	})
	p.logger.Debug("readiness probe finished",
		zap.String("target", target),
		zap.Bool("ready", ok),
		zap.Duration("timeout", policy.Timeout),
	)
	return ok
}

// Check issues a single GET against target.
func (p *Prober) Check(ctx context.Context, target, token string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
