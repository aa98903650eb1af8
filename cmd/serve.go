package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the periodic reporter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
