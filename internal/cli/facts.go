package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kiroku"
	"github.com/ashita-ai/kiroku/internal/model"
)

type factsOptions struct {
	org      string
	factType string
	from     string
	to       string
	asOf     string
}

// NewFactsCommand creates the facts command.
func NewFactsCommand(rootOpts *RootOptions) *cobra.Command {
	fo := &factsOptions{}
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Query relationship facts, now or as of a past instant",
		Long: `Query EdgeFacts. Without --as-of only facts active now are listed;
with --as-of (RFC 3339) the graph is reconstructed at that instant.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFacts(cmd.Context(), rootOpts, fo, cmd)
		},
	}
	cmd.Flags().StringVar(&fo.org, "org", "", "organization ID (required)")
	cmd.Flags().StringVar(&fo.factType, "type", "", "relationship type")
	cmd.Flags().StringVar(&fo.from, "from", "", "source entity as type:id")
	cmd.Flags().StringVar(&fo.to, "to", "", "target entity as type:id")
	cmd.Flags().StringVar(&fo.asOf, "as-of", "", "point in time (RFC 3339)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func runFacts(ctx context.Context, opts *RootOptions, fo *factsOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	orgID, err := parseOrg(f, fo.org)
	if err != nil {
		return err
	}
	q := model.FactQuery{OrgID: orgID, Type: fo.factType}
	if q.From, err = parseRef(f, "from", fo.from); err != nil {
		return err
	}
	if q.To, err = parseRef(f, "to", fo.to); err != nil {
		return err
	}
	var asOf time.Time
	if fo.asOf != "" {
		if asOf, err = time.Parse(time.RFC3339, fo.asOf); err != nil {
			return f.Error(ExitCommandError, ErrCodeInvalidInput, "--as-of must be RFC 3339", err)
		}
	}

	app, err := openApp(ctx, opts, cmd, f, kiroku.WithSkipMigrations(true))
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	var facts []model.EdgeFact
	if asOf.IsZero() {
		facts, err = app.Facts().QueryActive(ctx, q)
	} else {
		facts, err = app.Facts().QueryAsOf(ctx, asOf, q)
	}
	if err != nil {
		return f.Error(ExitCommandError, ErrCodeGeneric, "query facts", err)
	}
	return f.Render(facts, func(w io.Writer) { writeFacts(w, facts) })
}

func writeFacts(w io.Writer, facts []model.EdgeFact) {
	if len(facts) == 0 {
		fmt.Fprintln(w, "no facts")
		return
	}
	for _, fact := range facts {
		until := "open"
		if fact.ValidTo != nil {
			until = fact.ValidTo.UTC().Format("2006-01-02T15:04:05Z")
		}
		conf := ""
		if fact.Props.Confidence != nil {
			conf = fmt.Sprintf(" confidence=%.2f", *fact.Props.Confidence)
		}
		fmt.Fprintf(w, "%s -[%s]-> %s  [%s, %s) method=%s%s\n",
			fact.From, fact.Type, fact.To, fact.ValidFrom.UTC().Format("2006-01-02T15:04:05Z"), until,
			fact.Props.Method, conf)
	}
}
