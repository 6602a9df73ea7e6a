package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sketch-tutor/internal/server"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		devPort     int
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Resolve the backend and serve the UI boundary",
		Long: `Resolves the backend (probing an existing one in development mode or
spawning the packaged binary), publishes the session credential, and serves
the UI boundary until interrupted. With --interactive, commands are also read
from stdin.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := server.Build(ctx, opts.cfg, devPort, opts.logger)
			if err != nil {
				return fmt.Errorf("build client: %w", err)
			}
			if interactive {
				go func() {
					console := newConsole(a.Session(), os.Stdout)
					if err := console.Run(ctx, os.Stdin); err != nil {
						opts.logger.Warn("console stopped", zap.Error(err))
					}
					stop()
				}()
			}
			if err := a.Run(ctx, os.Stdout); err != nil && ctx.Err() == nil {
				return fmt.Errorf("run client: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&devPort, "dev-port", 0, "backend port hint for development mode")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "read commands from stdin")
	return cmd
}
