package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kiroku"
	"github.com/ashita-ai/kiroku/internal/model"
)

type enforceOptions struct {
	org      string
	entities []string
	dryRun   bool
	strict   bool
}

// EnforceReport is the payload of the enforce command.
type EnforceReport struct {
	OrgID              string                   `json:"org_id"`
	DryRun             bool                     `json:"dry_run"`
	ViolationsFound    int                      `json:"violations_found"`
	ViolationsRepaired int                      `json:"violations_repaired"`
	FailedRules        int                      `json:"failed_rules"`
	Results            []model.ValidationResult `json:"results"`
}

// Outstanding counts violations found but not repaired.
func (r EnforceReport) Outstanding() int { return r.ViolationsFound - r.ViolationsRepaired }

func newEnforceReport(orgID string, dryRun bool, results []model.ValidationResult) EnforceReport {
	rep := EnforceReport{OrgID: orgID, DryRun: dryRun, Results: results}
	for _, r := range results {
		rep.ViolationsFound += r.ViolationsFound
		rep.ViolationsRepaired += r.ViolationsRepaired
		if r.Failed() {
			rep.FailedRules++
		}
	}
	return rep
}

// NewEnforceCommand creates the enforce command.
func NewEnforceCommand(rootOpts *RootOptions) *cobra.Command {
	eo := &enforceOptions{}
	cmd := &cobra.Command{
		Use:   "enforce",
		Short: "Validate (and repair) cross-layer rules for one organization",
		Long: `Evaluate every enabled rule against an organization's graph.

Violations of rules that carry a repair strategy are repaired and recorded
as commits authored by the enforcement system, unless --dry-run is given.
With --entity the run is restricted to the named entity IDs.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnforce(cmd.Context(), rootOpts, eo, cmd)
		},
	}
	cmd.Flags().StringVar(&eo.org, "org", "", "organization ID (required)")
	cmd.Flags().StringSliceVar(&eo.entities, "entity", nil, "restrict the run to these entity IDs")
	cmd.Flags().BoolVar(&eo.dryRun, "dry-run", false, "validate only, never repair")
	cmd.Flags().BoolVar(&eo.strict, "strict", false, "exit 1 when violations remain")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func runEnforce(ctx context.Context, opts *RootOptions, eo *enforceOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	orgID, err := parseOrg(f, eo.org)
	if err != nil {
		return err
	}
	app, err := openApp(ctx, opts, cmd, f, kiroku.WithDryRun(eo.dryRun))
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	f.VerboseLog("Enforcing %d rule(s) for org %s", len(app.Enforcement().GetRules()), orgID)
	var results []model.ValidationResult
	if len(eo.entities) > 0 {
		results, err = app.RepairViolations(ctx, orgID, eo.entities)
	} else {
		results, err = app.ValidateAll(ctx, orgID)
	}
	if err != nil {
		return f.Error(ExitCommandError, ErrCodeGeneric, "enforcement interrupted", err)
	}

	rep := newEnforceReport(orgID.String(), eo.dryRun, results)
	text := func(w io.Writer) { writeEnforceReport(w, rep) }
	if eo.strict && (rep.Outstanding() > 0 || rep.FailedRules > 0) {
		return f.Fail(ErrCodeViolations,
			fmt.Sprintf("%d violation(s) outstanding, %d rule(s) failed", rep.Outstanding(), rep.FailedRules),
			rep, text)
	}
	return f.Render(rep, text)
}

func writeEnforceReport(w io.Writer, rep EnforceReport) {
	mode := "repair"
	if rep.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(w, "Enforcement for org %s (%s)\n\n", rep.OrgID, mode)
	if len(rep.Results) == 0 {
		fmt.Fprintln(w, "  no enabled rules")
		return
	}
	for _, r := range rep.Results {
		mark := "✓"
		switch {
		case r.Failed():
			mark = "✗"
		case r.ViolationsFound > r.ViolationsRepaired:
			mark = "!"
		}
		fmt.Fprintf(w, "%s %-28s found=%-4d repaired=%d\n", mark, r.RuleID, r.ViolationsFound, r.ViolationsRepaired)
		if r.Failed() {
			fmt.Fprintf(w, "    error: %s\n", r.Error)
		}
		for _, v := range r.Violations {
			status := "open"
			if v.Repaired {
				status = "repaired"
			}
			fmt.Fprintf(w, "    %-9s %s  %s\n", status, v.Ref(), v.Description)
			if v.RepairAction != "" {
				fmt.Fprintf(w, "              -> %s\n", v.RepairAction)
			}
		}
	}
	fmt.Fprintf(w, "\n%d found, %d repaired, %d outstanding, %d rule(s) failed\n",
		rep.ViolationsFound, rep.ViolationsRepaired, rep.Outstanding(), rep.FailedRules)
}
