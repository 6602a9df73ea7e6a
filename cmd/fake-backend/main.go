// The fake-backend executable serves the scriptable stand-in backend on a
// loopback port and announces it as "PORT=<n>" on stdout, the way the packaged
// backend does.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sketch-tutor/internal/fakebackend"
	"github.com/JakeFAU/sketch-tutor/internal/logging"
	"github.com/JakeFAU/sketch-tutor/internal/supervisor"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:0", "listen address")
	delay := flag.Duration("step-delay", 150*time.Millisecond, "delay between pushed events")
	errorCode := flag.String("error-code", "", "end recognition with job_error using this code")
	dev := flag.Bool("dev", true, "development logging")
	flag.Parse()

	logger, err := logging.New(*dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scenario := fakebackend.DefaultScenario()
	scenario.StepDelay = *delay
	if *errorCode != "" {
		scenario.ErrorCode = *errorCode
		scenario.ErrorHint = "scripted failure"
	}

	// The supervisor hands the session token over the environment.
	token := os.Getenv(supervisor.EnvSessionToken)
	srv := fakebackend.New(token, scenario, logger.Named("fakebackend"))
	if err := srv.Serve(ctx, *addr, os.Stdout); err != nil {
		logger.Error("fake backend failed", zap.Error(err))
		os.Exit(1)
	}
}
