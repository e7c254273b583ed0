package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kiroku"
	"github.com/ashita-ai/kiroku/internal/mirror"
	"github.com/ashita-ai/kiroku/internal/model"
)

// StatsReport is the payload of the stats command.
type StatsReport struct {
	Statistics model.CrossLayerStatistics `json:"statistics"`
	RecentRuns []mirror.RunRecord         `json:"recent_runs"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	var org string
	var runs int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show relationship counts and enforcement history",
		Long: `Show EdgeFact counts per relationship type and per-rule enforcement
history. History and recent runs come from the reporting mirror and are
empty when no mirror is configured.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), rootOpts, org, runs, cmd)
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization ID (required)")
	cmd.Flags().IntVar(&runs, "runs", 10, "recent runs to show")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func runStats(ctx context.Context, opts *RootOptions, org string, runs int, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	orgID, err := parseOrg(f, org)
	if err != nil {
		return err
	}
	app, err := openApp(ctx, opts, cmd, f, kiroku.WithSkipMigrations(true))
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	stats, err := app.Statistics(ctx, orgID)
	if err != nil {
		return f.Error(ExitCommandError, ErrCodeGeneric, "statistics", err)
	}
	recent, err := app.RecentRuns(ctx, orgID, runs)
	if err != nil {
		return f.Error(ExitCommandError, ErrCodeGeneric, "recent runs", err)
	}
	rep := StatsReport{Statistics: stats, RecentRuns: recent}
	return f.Render(rep, func(w io.Writer) { writeStats(w, rep) })
}

func writeStats(w io.Writer, rep StatsReport) {
	s := rep.Statistics
	fmt.Fprintf(w, "Org %s: %d active of %d facts\n", s.OrgID, s.ActiveFacts, s.TotalFacts)
	for _, c := range s.FactCounts {
		fmt.Fprintf(w, "  %-24s active=%-6d total=%d\n", c.Type, c.Active, c.Total)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Rules")
	if len(s.Rules) == 0 {
		fmt.Fprintln(w, "  none")
	}
	for _, r := range s.Rules {
		last := "never"
		if r.LastRunAt != nil {
			last = r.LastRunAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		fmt.Fprintf(w, "  %-28s runs=%-4d failures=%-4d found=%-5d repaired=%-5d last=%s (%d)\n",
			r.RuleID, r.Runs, r.Failures, r.ViolationsFound, r.ViolationsRepaired, last, r.LastViolations)
	}

	if len(rep.RecentRuns) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Recent runs")
	for _, r := range rep.RecentRuns {
		fmt.Fprintf(w, "  %s  %-12s rules=%-3d failed=%-3d found=%-5d repaired=%d\n",
			r.FinishedAt.UTC().Format("2006-01-02T15:04:05Z"), r.Trigger, r.Rules, r.FailedRules,
			r.ViolationsFound, r.ViolationsRepaired)
	}
}
