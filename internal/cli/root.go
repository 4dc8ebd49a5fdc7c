// Package cli implements rewardctl, the operator command line for a gift card pool.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kkkkikiki/giftcard/internal/app"
	"github.com/kkkkikiki/giftcard/internal/config"
	"github.com/kkkkikiki/giftcard/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format      string // "json" | "text"
	CatalogPath string
	LogLevel    string

	// NewApp wires the engine for a command run
	NewApp func(ctx context.Context, opts *RootOptions) (*app.App, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command, wired from environment configuration.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{NewApp: appFromEnv})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rewardctl",
		Short: "Operate a gift card reward pool",
		Long: `rewardctl loads gift cards, verifies reward programs, processes records,
runs sweeps and prints the daily summary for the pool described by the catalog.

Database, lock and mail settings come from the same environment variables as the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.CatalogPath, "catalog", "", "catalog file (overrides APP_CATALOG_PATH)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (overrides APP_LOG_LEVEL)")

	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewProcessCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewSummaryCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func appFromEnv(ctx context.Context, opts *RootOptions) (*app.App, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	if opts.CatalogPath != "" {
		cfg.App.CatalogPath = opts.CatalogPath
	}
	level := cfg.App.Level()
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger := logging.SetupStderr("rewardctl", cfg.App.Environment, level)
	return app.New(ctx, cfg, logger)
}

// openApp wires the engine for one command, mapping failures to a command error
func openApp(cmd *cobra.Command, opts *RootOptions) (*app.App, error) {
	a, err := opts.NewApp(cmd.Context(), opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start", err)
	}
	return a, nil
}
