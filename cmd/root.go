// Package cmd defines and implements the CLI commands for the linkguard executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/linkguard/internal/config"
	"github.com/JakeFAU/linkguard/internal/server"
)

type configKeyType struct{}

// newApp is the application factory. Tests replace it to inject options.
var newApp = func(ctx context.Context, cfg *config.Config) (*server.App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "linkguard",
		Short: "Watches links and reports the ones that turned bad.",
		Long: `linkguard probes a set of watched links on a schedule, classifies each
one (ok, redirect, guard, challenge, error) and sends the findings to every
subscribed destination in paced batches.`,
		SilenceUsage: true,

		// Config is loaded once here so every subcommand sees the same values.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKeyType{}, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCheckCmd())
	return cmd
}

func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKeyType{}).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
