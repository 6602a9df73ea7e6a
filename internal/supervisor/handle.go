package supervisor

import (
	"context"
	"time"
)

// terminateTimeout bounds how long Terminate waits for the killed backend to
// be reaped.
const terminateTimeout = 3 * time.Second

// Handle is the resolved, possibly absent, backend. A Handle owns a process
// only when this instance spawned it; Terminate releases it exactly once.
type Handle struct {
	// Address is the backend base URL; empty only if nothing could be resolved.
	Address string
	// Token is the session credential handed to the backend.
	Token string
	// Ready reports whether the readiness probe succeeded.
	Ready bool
	// LastError describes why the backend is unusable; nil when Ready.
	LastError error

	proc *process
}

// Owned reports whether this handle is responsible for a spawned process.
func (h *Handle) Owned() bool {
	return h != nil && h.proc != nil
}

// PID returns the spawned process id, or 0.
func (h *Handle) PID() int {
	if h == nil {
		return 0
	}
	return h.proc.pid()
}

// ErrorMessage returns LastError as display text.
func (h *Handle) ErrorMessage() string {
	if h == nil || h.LastError == nil {
		return ""
	}
	return h.LastError.Error()
}

// Done is closed once the owned process has exited. Handles without a process
// return an already-closed channel.
func (h *Handle) Done() <-chan struct{} {
	if !h.Owned() {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.proc.done
}

// Terminate kills the owned process. It is idempotent and silently ignores a
// missing or already-exited process.
func (h *Handle) Terminate() {
	if !h.Owned() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	h.proc.kill(ctx)
}

// Terminate is the nil-safe form of Handle.Terminate.
func Terminate(h *Handle) {
	if h == nil {
		return
	}
	h.Terminate()
}
