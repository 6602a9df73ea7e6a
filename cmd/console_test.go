package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sketch-tutor/internal/app"
	"github.com/JakeFAU/sketch-tutor/internal/job"
)

type fakeController struct {
	calls []string
	snap  job.Snapshot
	err   error
}

func (f *fakeController) Snapshot() job.Snapshot { return f.snap }

func (f *fakeController) Capture(context.Context) error {
	f.calls = append(f.calls, "capture")
	return f.err
}

func (f *fakeController) Confirm(_ context.Context, label string) error {
	f.calls = append(f.calls, "confirm "+label)
	return f.err
}

func (f *fakeController) Step(_ context.Context, op app.StepOp, n int) (int, error) {
	switch op {
	case app.StepNext:
		f.calls = append(f.calls, "next")
	case app.StepPrev:
		f.calls = append(f.calls, "prev")
	default:
		f.calls = append(f.calls, "goto")
	}
	return n, f.err
}

func (f *fakeController) Dismiss(context.Context) error {
	f.calls = append(f.calls, "dismiss")
	return f.err
}

func TestConsoleDispatchesCommands(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{snap: job.Snapshot{State: job.StateResultReady, Caption: "Step 2: Add the ears", SeekTime: 2.5}}
	out := &bytes.Buffer{}
	in := strings.NewReader("capture\nconfirm red fox\n\nnext\nprev\nstep 3\ndismiss\nstate\nquit\ncapture\n")

	require.NoError(t, newConsole(ctrl, out).Run(context.Background(), in))
	require.Equal(t, []string{"capture", "confirm red fox", "next", "prev", "goto", "dismiss"}, ctrl.calls)
	require.Contains(t, out.String(), "Step 2: Add the ears (seek 2.50s)")
	require.Contains(t, out.String(), `"state":"ResultReady"`)
}

func TestConsoleReportsErrors(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{err: job.ErrInvalidTransition}
	out := &bytes.Buffer{}
	in := strings.NewReader("capture\nstep x\nstep\nbogus\n")

	require.NoError(t, newConsole(ctrl, out).Run(context.Background(), in))
	require.Contains(t, out.String(), "error: invalid job transition")
	require.Contains(t, out.String(), `error: invalid step "x"`)
	require.Contains(t, out.String(), "error: usage: step <n>")
	require.Equal(t, 2, strings.Count(out.String(), consoleHelp))
}
