package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kiroku"
	"github.com/ashita-ai/kiroku/internal/model"
)

type chainOptions struct {
	org    string
	branch string
	limit  int
}

func (o *chainOptions) bind(cmd *cobra.Command, defaultLimit int) {
	cmd.Flags().StringVar(&o.org, "org", "", "organization ID (required)")
	cmd.Flags().StringVar(&o.branch, "branch", "", "branch name (default $KIROKU_DEFAULT_BRANCH)")
	cmd.Flags().IntVar(&o.limit, "limit", defaultLimit, "maximum commits to walk")
	_ = cmd.MarkFlagRequired("org")
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	co := &chainOptions{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute and check every commit signature on a branch",
		Long: `Walk a branch from its head and recompute each commit's signature from
its fields and its parent's stored signature. Exits 1 when any commit
fails to verify.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), rootOpts, co, cmd)
		},
	}
	co.bind(cmd, 0)
	return cmd
}

func runVerify(ctx context.Context, opts *RootOptions, co *chainOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	orgID, err := parseOrg(f, co.org)
	if err != nil {
		return err
	}
	app, err := openApp(ctx, opts, cmd, f, kiroku.WithSkipMigrations(true))
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	report, err := app.Chain().VerifyBranch(ctx, orgID, co.branch, co.limit)
	if err != nil {
		return f.Error(ExitCommandError, ErrCodeGeneric, "verify branch", err)
	}
	text := func(w io.Writer) { writeChainReport(w, report) }
	if !report.Intact() {
		return f.Fail(ErrCodeChainBroken, fmt.Sprintf("%d commit(s) failed verification", len(report.Broken)), report, text)
	}
	return f.Render(report, text)
}

func writeChainReport(w io.Writer, r model.ChainReport) {
	if r.Intact() {
		fmt.Fprintf(w, "✓ %s: %d commit(s) verified\n", r.BranchName, r.Checked)
		return
	}
	fmt.Fprintf(w, "✗ %s: %d of %d commit(s) failed verification\n", r.BranchName, len(r.Broken), r.Checked)
	for _, id := range r.Broken {
		fmt.Fprintf(w, "  %s\n", id)
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	co := &chainOptions{}
	cmd := &cobra.Command{
		Use:           "history",
		Short:         "List a branch's commits, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), rootOpts, co, cmd)
		},
	}
	co.bind(cmd, 50)
	return cmd
}

func runHistory(ctx context.Context, opts *RootOptions, co *chainOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	orgID, err := parseOrg(f, co.org)
	if err != nil {
		return err
	}
	app, err := openApp(ctx, opts, cmd, f, kiroku.WithSkipMigrations(true))
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	commits, err := app.Chain().GetCommitHistory(ctx, orgID, co.branch, co.limit)
	if err != nil {
		return f.Error(ExitCommandError, ErrCodeGeneric, "commit history", err)
	}
	return f.Render(commits, func(w io.Writer) { writeHistory(w, commits) })
}

func writeHistory(w io.Writer, commits []model.Commit) {
	if len(commits) == 0 {
		fmt.Fprintln(w, "no commits")
		return
	}
	for _, c := range commits {
		fmt.Fprintf(w, "%s  %s  %-24s %s\n",
			c.ID, c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), c.Author+" ("+string(c.AuthorType)+")", c.Message)
	}
}
