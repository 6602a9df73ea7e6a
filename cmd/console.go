package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/JakeFAU/sketch-tutor/internal/app"
	"github.com/JakeFAU/sketch-tutor/internal/job"
)

const consoleHelp = "commands: capture | confirm <label> | next | prev | step <n> | dismiss | state | quit"

// errQuit ends the console loop.
var errQuit = errors.New("quit")

// controller is the part of the session the console drives.
type controller interface {
	Snapshot() job.Snapshot
	Capture(ctx context.Context) error
	Confirm(ctx context.Context, label string) error
	Step(ctx context.Context, op app.StepOp, index int) (int, error)
	Dismiss(ctx context.Context) error
}

// console is a line-oriented stand-in for the UI.
type console struct {
	ctrl controller
	out  io.Writer
}

func newConsole(ctrl controller, out io.Writer) *console {
	return &console{ctrl: ctrl, out: out}
}

// Run reads commands from in until EOF, quit, or ctx is done.
func (c *console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	fmt.Fprintln(c.out, consoleHelp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			err := c.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch strings.ToLower(fields[0]) {
	case "capture":
		return c.ctrl.Capture(ctx)
	case "confirm":
		return c.ctrl.Confirm(ctx, strings.Join(fields[1:], " "))
	case "next":
		return c.step(ctx, app.StepNext, 0)
	case "prev":
		return c.step(ctx, app.StepPrev, 0)
	case "step":
		if len(fields) != 2 {
			return errors.New("usage: step <n>")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid step %q", fields[1])
		}
		return c.step(ctx, app.StepGoto, n)
	case "dismiss":
		return c.ctrl.Dismiss(ctx)
	case "state":
		return c.printState()
	case "quit", "exit":
		return errQuit
	default:
		fmt.Fprintln(c.out, consoleHelp)
		return nil
	}
}

func (c *console) step(ctx context.Context, op app.StepOp, n int) error {
	if _, err := c.ctrl.Step(ctx, op, n); err != nil {
		return err
	}
	snap := c.ctrl.Snapshot()
	fmt.Fprintf(c.out, "%s (seek %.2fs)\n", snap.Caption, snap.SeekTime)
	return nil
}

func (c *console) printState() error {
	data, err := json.Marshal(c.ctrl.Snapshot())
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	fmt.Fprintln(c.out, string(data))
	return nil
}
