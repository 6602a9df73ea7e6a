package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sketch-tutor/internal/health"
	"github.com/JakeFAU/sketch-tutor/internal/server"
	"github.com/JakeFAU/sketch-tutor/internal/session"
	"github.com/JakeFAU/sketch-tutor/internal/supervisor"
)

func newProbeCmd(opts *rootOptions) *cobra.Command {
	var devPort int
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Resolve the backend once and print the credential",
		Long: `Runs backend resolution exactly as "run" does, prints the resulting
credential as JSON (token included), then releases any spawned backend.
Exits non-zero when the backend is not ready.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := session.Issue()
			if err != nil {
				return err
			}
			prober := health.NewProber(nil, nil, opts.logger.Named("health"))
			sup := supervisor.New(server.SupervisorOptions(opts.cfg), prober, nil, opts.logger.Named("supervisor"))
			h := sup.Resolve(cmd.Context(), devPort, token)
			defer supervisor.Terminate(h)

			cred := session.NewPublisher().Publish(h)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(cred); err != nil {
				return fmt.Errorf("encode credential: %w", err)
			}
			if !cred.Ready {
				return fmt.Errorf("backend not ready: %s", cred.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&devPort, "dev-port", 0, "backend port hint for development mode")
	return cmd
}
