package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kiroku"
	"github.com/ashita-ai/kiroku/internal/enforce"
	"github.com/ashita-ai/kiroku/internal/model"
)

// RuleLine is one rule in rule listings.
type RuleLine struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Relationship string `json:"relationship"`
	Repair       string `json:"repair,omitempty"`
	Enabled      bool   `json:"enabled"`
}

// RulesReport is the payload of rules validate and rules list.
type RulesReport struct {
	Valid  bool       `json:"valid"`
	Rules  []RuleLine `json:"rules"`
	Errors []string   `json:"errors,omitempty"`
}

func ruleLine(r model.CrossLayerRule) RuleLine {
	line := RuleLine{ID: r.ID, Kind: string(r.Kind), Enabled: r.Enabled}
	switch r.Kind {
	case model.RuleRawQuery:
		line.Relationship = "(sql)"
	default:
		line.Relationship = fmt.Sprintf("%s -[%s]-> %s", r.FromEntityType, r.RelationshipType, r.ToEntityType)
		if r.Cardinality != "" {
			line.Relationship += " " + string(r.Cardinality)
		}
	}
	if r.Repair != nil {
		line.Repair = string(r.Repair.Strategy)
	}
	return line
}

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect cross-layer rule sets",
	}
	cmd.AddCommand(newRulesValidateCommand(rootOpts))
	cmd.AddCommand(newRulesListCommand(rootOpts))
	return cmd
}

func newRulesValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules.yaml>",
		Short: "Parse and compile a rule file without touching the database",
		Long: `Parse a YAML rule set, check every rule for consistency and compile
expression predicates. Exits 1 when any rule is invalid.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesValidate(rootOpts, args[0], cmd)
		},
	}
}

func runRulesValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	file, err := os.Open(path) //nolint:gosec // operator-supplied path
	if errors.Is(err, fs.ErrNotExist) {
		return f.Error(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("rule file %s not found", path), nil)
	}
	if err != nil {
		return f.Error(ExitCommandError, ErrCodeGeneric, "open rule file", err)
	}
	defer func() { _ = file.Close() }()

	rules, err := enforce.ParseRules(file)
	if err != nil {
		rep := RulesReport{Rules: []RuleLine{}, Errors: splitErrors(err)}
		return f.Fail(ErrCodeInvalidRules, fmt.Sprintf("%d problem(s) in %s", len(rep.Errors), path), rep,
			func(w io.Writer) { writeRulesReport(w, rep) })
	}
	f.VerboseLog("Parsed %d rule(s) from %s", len(rules), path)

	rep := compileRules(rules)
	text := func(w io.Writer) { writeRulesReport(w, rep) }
	if !rep.Valid {
		return f.Fail(ErrCodeInvalidRules, fmt.Sprintf("%d problem(s) in %s", len(rep.Errors), path), rep, text)
	}
	return f.Render(rep, text)
}

// compileRules compiles expression predicates; structure was checked by ParseRules.
func compileRules(rules []model.CrossLayerRule) RulesReport {
	rep := RulesReport{Valid: true, Rules: make([]RuleLine, 0, len(rules))}
	exprs, err := enforce.NewEvaluator()
	if err != nil {
		return RulesReport{Rules: rep.Rules, Errors: []string{err.Error()}}
	}
	for _, r := range rules {
		rep.Rules = append(rep.Rules, ruleLine(r))
		if r.Kind != model.RuleExpression {
			continue
		}
		if _, err := exprs.Compile(r.Expression); err != nil {
			rep.Valid = false
			rep.Errors = append(rep.Errors, fmt.Sprintf("rule %q: %v", r.ID, err))
		}
	}
	return rep
}

// splitErrors flattens a joined error into one message per line.
func splitErrors(err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func writeRulesReport(w io.Writer, rep RulesReport) {
	if len(rep.Errors) > 0 {
		fmt.Fprintln(w, "✗ Rule validation failed")
		fmt.Fprintln(w)
		for _, e := range rep.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		return
	}
	fmt.Fprintf(w, "✓ %d rule(s) valid\n", len(rep.Rules))
	writeRuleLines(w, rep.Rules)
}

func writeRuleLines(w io.Writer, lines []RuleLine) {
	for _, l := range lines {
		state := ""
		if !l.Enabled {
			state = " (disabled)"
		}
		repair := l.Repair
		if repair == "" {
			repair = "-"
		}
		fmt.Fprintf(w, "  %-28s %-18s %-44s repair=%s%s\n", l.ID, l.Kind, l.Relationship, repair, state)
	}
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List the active rule set (rules file or persisted rules)",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesList(cmd.Context(), rootOpts, cmd)
		},
	}
}

func runRulesList(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	app, err := openApp(ctx, opts, cmd, f, kiroku.WithSkipMigrations(true))
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	rules := app.Enforcement().GetRules()
	rep := RulesReport{Valid: true, Rules: make([]RuleLine, 0, len(rules))}
	for _, r := range rules {
		rep.Rules = append(rep.Rules, ruleLine(r))
	}
	return f.Render(rep, func(w io.Writer) {
		fmt.Fprintf(w, "%d rule(s)\n", len(rep.Rules))
		writeRuleLines(w, rep.Rules)
	})
}
