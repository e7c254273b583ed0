package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background enforcement loops until interrupted",
		Long: `Run the long-lived loops: targeted repair of entities touched by new
commits (LISTEN/NOTIFY, requires NOTIFY_URL), periodic full sweeps of every
organization, and periodic chain checkpoints.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), rootOpts, cmd)
		},
	}
}

func runWorker(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	app, err := openApp(ctx, opts, cmd, f)
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))
	return app.Run(ctx)
}
