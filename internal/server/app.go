// Package server provides the client composition root: it builds the
// supervisor, the session, and the UI boundary from configuration and runs
// them until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sketch-tutor/internal/api"
	"github.com/JakeFAU/sketch-tutor/internal/app"
	"github.com/JakeFAU/sketch-tutor/internal/config"
	"github.com/JakeFAU/sketch-tutor/internal/health"
	"github.com/JakeFAU/sketch-tutor/internal/logging"
	"github.com/JakeFAU/sketch-tutor/internal/metrics"
	"github.com/JakeFAU/sketch-tutor/internal/session"
	"github.com/JakeFAU/sketch-tutor/internal/supervisor"
	"github.com/JakeFAU/sketch-tutor/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App contains the client's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	metrics        *metrics.Metrics
	session        *app.Session
	ui             *api.Server
	tracerShutdown func(context.Context) error

	closeOnce sync.Once
}

// Build wires the client from cfg. devPortHint (0 for none) is forwarded to
// the supervisor.
func Build(ctx context.Context, cfg config.Config, devPortHint int, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	a := &App{cfg: cfg, logger: logger, metrics: m}

	var provider trace.TracerProvider
	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("init tracer provider: %w", err)
		}
		a.tracerShutdown = tp.Shutdown
		provider = tp
		logger.Info("tracing enabled", zap.String("service_name", cfg.Telemetry.ServiceName))
	}

	prober := health.NewProber(nil, m, logger.Named("health"))
	sup := supervisor.New(SupervisorOptions(cfg), prober, m, logger.Named("supervisor"))
	a.session = app.New(sup, app.Options{
		Config:         cfg,
		DevPortHint:    devPortHint,
		Metrics:        m,
		Logger:         logger.Named("session"),
		TracerProvider: provider,
	})
	a.ui = api.NewServer(a.session, m, logger.Named("ui"))
	return a, nil
}

// SupervisorOptions maps configuration onto supervisor options.
func SupervisorOptions(cfg config.Config) supervisor.Options {
	exe := cfg.Backend.Executable
	if exe == "" {
		exe = supervisor.DefaultExecutable(cfg.Backend.ResourcesDir)
	}
	return supervisor.Options{
		Development:          cfg.Development(),
		OverrideURL:          cfg.Backend.URL,
		EnvPort:              cfg.Backend.Port,
		Executable:           exe,
		Env:                  os.Environ(),
		DevProbeTimeout:      cfg.Backend.DevProbeTimeout,
		SpawnProbeTimeout:    cfg.Backend.SpawnProbeTimeout,
		PortDiscoveryTimeout: cfg.Backend.PortDiscoveryTimeout,
		PortPollInterval:     cfg.Backend.PortPollInterval,
		ProbeInterval:        cfg.Backend.ProbeInterval,
	}
}

// Session returns the client session.
func (a *App) Session() *app.Session {
	return a.session
}

// Run starts the session, serves the UI boundary, and blocks until ctx is
// done. The UI address and the published credential are written to announce.
func (a *App) Run(ctx context.Context, announce io.Writer) error {
	a.logger.Info("application started", zap.String("mode", a.cfg.Mode))
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	cred, err := a.session.Start(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	ln, err := net.Listen("tcp", a.cfg.UI.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.UI.Addr, err)
	}
	srv := &http.Server{
		Handler:           a.ui.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if announce != nil {
		if err := writeAnnouncement(announce, ln.Addr().String(), cred); err != nil {
			_ = ln.Close()
			return err
		}
	}

	go func() {
		a.logger.Info("ui server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ui server error", zap.Error(err))
			stop()
		}
	}()

	// The backend exiting on its own ends the run.
	if h := a.session.Handle(); h.Owned() {
		go func() {
			select {
			case <-h.Done():
				a.logger.Warn("backend process exited", zap.Int("pid", h.PID()))
				stop()
			case <-ctx.Done():
			}
		}()
	}

	runErr := a.session.Run(ctx)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		return err
	}
	return runErr
}

func writeAnnouncement(w io.Writer, uiAddr string, cred session.Credential) error {
	if _, err := fmt.Fprintf(w, "UI=http://%s\nTOKEN=%s\nBACKEND=%s\nREADY=%t\n", uiAddr, cred.Token, cred.Address, cred.Ready); err != nil {
		return fmt.Errorf("announce ui: %w", err)
	}
	if cred.Error != "" {
		if _, err := fmt.Fprintf(w, "ERROR=%s\n", cred.Error); err != nil {
			return fmt.Errorf("announce ui: %w", err)
		}
	}
	return nil
}

// Close releases the session and flushes telemetry. It is safe to call more
// than once.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.session.Close()
		if a.tracerShutdown != nil {
			if shutdownErr := a.tracerShutdown(ctx); shutdownErr != nil {
				a.logger.Error("tracer provider shutdown failed", zap.Error(shutdownErr))
				err = fmt.Errorf("shutdown tracer provider: %w", shutdownErr)
			}
		}
		_ = a.logger.Sync()
	})
	return err
}
