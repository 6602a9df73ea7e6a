package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// waitDelay bounds how long Wait lingers on output pipes held open by
// grandchildren after the backend itself has exited.
const waitDelay = 2 * time.Second

// process is a spawned backend whose output is captured, never inherited.
type process struct {
	cmd     *exec.Cmd
	scanner *PortScanner
	logger  *zap.Logger

	done     chan struct{}
	waitErr  error
	killOnce sync.Once
}

func startProcess(path string, args, env []string, logger *zap.Logger) (*process, error) {
	p := &process{
		logger: logger,
		done:   make(chan struct{}),
	}
	p.scanner = NewPortScanner(func(line string) {
		logger.Debug("backend stdout", zap.String("line", line))
	})

	// Not CommandContext: the backend must outlive the resolution context.
	cmd := exec.Command(path, args...) //nolint:gosec // path comes from trusted config
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = nil
	cmd.Stdout = p.scanner
	cmd.Stderr = &lineLogger{logger: logger}
	cmd.WaitDelay = waitDelay
	configureCommandProcess(cmd)
	p.cmd = cmd

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start backend: %w", err)
	}
	go p.wait()
	return p, nil
}

func (p *process) wait() {
	p.waitErr = p.cmd.Wait()
	p.scanner.Flush()
	close(p.done)
}

func (p *process) pid() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// kill terminates the process once. Errors are logged and swallowed since a
// process that already exited is the expected case during shutdown.
func (p *process) kill(ctx context.Context) {
	p.killOnce.Do(func() {
		if p.exited() {
			return
		}
		if err := terminateCommandProcess(p.cmd); err != nil {
			p.logger.Debug("backend kill failed", zap.Int("pid", p.pid()), zap.Error(err))
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			p.logger.Warn("backend did not exit after kill", zap.Int("pid", p.pid()))
		}
	})
}

// lineLogger forwards backend stderr to the logger one line at a time.
type lineLogger struct {
	mu      sync.Mutex
	logger  *zap.Logger
	partial strings.Builder
}

func (l *lineLogger) Write(chunk []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range chunk {
		if b == '\n' {
			l.emit()
			continue
		}
		if l.partial.Len() < maxLineBytes {
			l.partial.WriteByte(b)
		}
	}
	return len(chunk), nil
}

func (l *lineLogger) emit() {
	line := strings.TrimRight(l.partial.String(), "\r")
	l.partial.Reset()
	if line == "" {
		return
	}
	l.logger.Warn("backend stderr", zap.String("line", line))
}
