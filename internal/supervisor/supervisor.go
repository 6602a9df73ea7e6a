// Package supervisor resolves the backend service: it either assumes an
// externally running backend (development) or spawns the packaged executable,
// discovers its port from stdout, probes readiness, and owns termination.
//
// Startup failures never abort the caller. They are recovered into a Handle
// with Ready=false and a LastError carrying a failure.Kind, so the client can
// still boot in a degraded, backend-unavailable state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sketch-tutor/internal/failure"
	"github.com/JakeFAU/sketch-tutor/internal/health"
	"github.com/JakeFAU/sketch-tutor/internal/logging"
	"github.com/JakeFAU/sketch-tutor/internal/metrics"
	"github.com/JakeFAU/sketch-tutor/internal/retry"
)

// DefaultPort is used when neither a hint nor an override names a port.
const DefaultPort = 8000

// EnvSessionToken carries the session token into a spawned backend.
const EnvSessionToken = "SKETCH_SESSION_TOKEN"

// Options controls resolution.
type Options struct {
	// Development disables spawning; the backend is assumed to be running.
	Development bool
	// OverrideURL replaces the computed loopback address when set.
	OverrideURL string
	// EnvPort is the environment-provided port, consulted after the hint.
	EnvPort int
	// Executable is the packaged backend binary.
	Executable string
	// Args and Env are passed to the spawned backend.
	Args []string
	Env  []string

	DevProbeTimeout      time.Duration
	SpawnProbeTimeout    time.Duration
	PortDiscoveryTimeout time.Duration
	PortPollInterval     time.Duration
	ProbeInterval        time.Duration
}

// DefaultExecutable returns the fixed resource-relative backend path.
func DefaultExecutable(resourcesDir string) string {
	name := "backend"
	if runtime.GOOS == "windows" {
		name = "backend.exe"
	}
	return filepath.Join(resourcesDir, "backend", name)
}

func (o *Options) applyDefaults() {
	if o.DevProbeTimeout <= 0 {
		o.DevProbeTimeout = 1500 * time.Millisecond
	}
	if o.SpawnProbeTimeout <= 0 {
		o.SpawnProbeTimeout = 15 * time.Second
	}
	if o.PortDiscoveryTimeout <= 0 {
		o.PortDiscoveryTimeout = 5 * time.Second
	}
	if o.PortPollInterval <= 0 {
		o.PortPollInterval = 50 * time.Millisecond
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = health.DefaultInterval
	}
}

// Supervisor resolves a Handle once per application start.
type Supervisor struct {
	opts    Options
	prober  *health.Prober
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New builds a Supervisor.
func New(opts Options, prober *health.Prober, m *metrics.Metrics, logger *zap.Logger) *Supervisor {
	opts.applyDefaults()
	logger = logging.OrNop(logger)
	if prober == nil {
		prober = health.NewProber(nil, m, logger)
	}
	return &Supervisor{opts: opts, prober: prober, metrics: m, logger: logger}
}

// Resolve produces the backend handle. devPortHint (0 for none) takes
// priority over the environment port and DefaultPort. Resolve never fails;
// inspect Handle.Ready and Handle.LastError.
func (s *Supervisor) Resolve(ctx context.Context, devPortHint int, token string) *Handle {
	var h *Handle
	mode := "packaged"
	if s.opts.Development {
		mode = "development"
		h = s.resolveDevelopment(ctx, devPortHint, token)
	} else {
		h = s.resolvePackaged(ctx, devPortHint, token)
	}

	outcome := "ready"
	if !h.Ready {
		outcome = string(failure.KindOf(h.LastError))
	}
	s.metrics.ObserveResolution(mode, outcome)
	fields := []zap.Field{
		zap.String("mode", mode),
		zap.String("address", h.Address),
		zap.Bool("ready", h.Ready),
		zap.Bool("owned", h.Owned()),
		logging.Redacted("token", token),
	}
	if h.LastError != nil {
		s.logger.Warn("backend unavailable", append(fields, zap.Error(h.LastError))...)
	} else {
		s.logger.Info("backend resolved", fields...)
	}
	return h
}

// candidateAddress applies the override > hint > env > default priority.
func (s *Supervisor) candidateAddress(devPortHint int) string {
	if s.opts.OverrideURL != "" {
		return s.opts.OverrideURL
	}
	return loopback(s.candidatePort(devPortHint))
}

func (s *Supervisor) candidatePort(devPortHint int) int {
	switch {
	case devPortHint > 0:
		return devPortHint
	case s.opts.EnvPort > 0:
		return s.opts.EnvPort
	default:
		return DefaultPort
	}
}

func loopback(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func (s *Supervisor) resolveDevelopment(ctx context.Context, devPortHint int, token string) *Handle {
	address := s.candidateAddress(devPortHint)
	policy := retry.Policy{Interval: s.opts.ProbeInterval, Timeout: s.opts.DevProbeTimeout}
	h := &Handle{Address: address, Token: token}
	h.Ready = s.prober.Wait(ctx, address, token, policy)
	if !h.Ready {
		h.LastError = failure.New(failure.HealthCheckTimeout, "backend not ready: "+address)
	}
	return h
}

func (s *Supervisor) resolvePackaged(ctx context.Context, devPortHint int, token string) *Handle {
	fallback := s.candidateAddress(devPortHint)
	exe := s.opts.Executable

	info, err := os.Stat(exe)
	if err != nil || info.IsDir() {
		return &Handle{
			Address:   fallback,
			Token:     token,
			LastError: failure.New(failure.ProcessNotFound, "backend executable not found: "+exe),
		}
	}

	env := append([]string(nil), s.opts.Env...)
	if token != "" {
		env = append(env, EnvSessionToken+"="+token)
	}
	proc, err := startProcess(exe, s.opts.Args, env, s.logger.Named("backend"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("spawn backend failed", zap.String("executable", exe), zap.Error(err))
		}
		return &Handle{Address: fallback, Token: token, LastError: failure.Wrap(failure.ProcessNotFound, "spawn backend", err)}
	}
	s.logger.Info("backend spawned", zap.String("executable", exe), zap.Int("pid", proc.pid()))

	portPolicy := retry.Policy{Interval: s.opts.PortPollInterval, Timeout: s.opts.PortDiscoveryTimeout}
	portPolicy.Until(ctx, func(context.Context) bool {
		return proc.scanner.Port() != 0 || proc.exited()
	})
	port := proc.scanner.Port()
	if port == 0 {
		reason := "failed to get backend port from stdout (need PORT=xxxx)"
		if proc.exited() {
			reason = fmt.Sprintf("backend exited before announcing a port: %v", proc.waitErr)
		}
		s.kill(proc)
		return &Handle{
			Address:   fallback,
			Token:     token,
			LastError: failure.New(failure.PortDiscoveryTimeout, reason),
		}
	}

	address := loopback(port)
	probePolicy := retry.Policy{Interval: s.opts.ProbeInterval, Timeout: s.opts.SpawnProbeTimeout}
	if !s.prober.Wait(ctx, address, token, probePolicy) {
		s.kill(proc)
		return &Handle{
			Address:   address,
			Token:     token,
			LastError: failure.New(failure.HealthCheckTimeout, "backend health check failed after spawn: "+address),
		}
	}

	return &Handle{Address: address, Token: token, Ready: true, proc: proc}
}

func (s *Supervisor) kill(proc *process) {
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	proc.kill(ctx)
}
