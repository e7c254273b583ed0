// Package cli implements the kiroku command line: schema migration, one-shot
// enforcement, chain verification, reporting and the long-running worker.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose     bool
	Format      string // "json" | "text"
	DatabaseURL string // overrides DATABASE_URL when set
	RulesFile   string // overrides KIROKU_RULES_FILE when set
	MirrorPath  string // overrides KIROKU_MIRROR_PATH when set
	Version     string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the kiroku CLI.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:     "kiroku",
		Short:   "kiroku - provenance and cross-layer consistency",
		Long:    "Records an append-only commit chain and bitemporal relationships, and keeps them consistent with cross-layer rules.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "database-url", "", "PostgreSQL URL (default $DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&opts.RulesFile, "rules", "", "YAML rule set (default $KIROKU_RULES_FILE)")
	cmd.PersistentFlags().StringVar(&opts.MirrorPath, "mirror", "", "SQLite reporting mirror (default $KIROKU_MIRROR_PATH)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewEnforceCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewFactsCommand(opts))
	cmd.AddCommand(NewRulesCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))

	return cmd
}
