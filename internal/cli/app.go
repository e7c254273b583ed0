package cli

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kiroku"
	"github.com/ashita-ai/kiroku/internal/model"
)

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// newLogger logs to w, as JSON when the output format is JSON. The level
// starts at warn (debug with --verbose) until the configured level is known.
func newLogger(opts *RootOptions, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	if opts.Verbose {
		level.Set(slog.LevelDebug)
	}
	hopts := &slog.HandlerOptions{Level: level}
	if opts.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts)), level
	}
	return slog.New(slog.NewTextHandler(w, hopts)), level
}

// openApp builds a kiroku App from the environment plus the global flag
// overrides. Failures are reported through f.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command, f *OutputFormatter, extra ...kiroku.Option) (*kiroku.App, error) {
	logger, level := newLogger(opts, cmd.ErrOrStderr())
	appOpts := []kiroku.Option{
		kiroku.WithLogger(logger),
		kiroku.WithVersion(opts.Version),
		kiroku.WithDatabaseURL(opts.DatabaseURL),
		kiroku.WithRulesFile(opts.RulesFile),
		kiroku.WithMirrorPath(opts.MirrorPath),
	}
	app, err := kiroku.New(ctx, append(appOpts, extra...)...)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, f.Error(ExitCommandError, ErrCodeNotFound, "start kiroku", err)
		}
		return nil, f.Error(ExitCommandError, ErrCodeUnavailable, "start kiroku", err)
	}
	if !opts.Verbose {
		level.Set(app.Config().SlogLevel())
	}
	return app, nil
}

func parseOrg(f *OutputFormatter, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, f.Error(ExitCommandError, ErrCodeInvalidInput, "--org must be a non-nil UUID", err)
	}
	return id, nil
}

func parseRef(f *OutputFormatter, flag, s string) (*model.EntityRef, error) {
	if s == "" {
		return nil, nil
	}
	ref, err := model.ParseEntityRef(s)
	if err != nil {
		return nil, f.Error(ExitCommandError, ErrCodeInvalidInput, "--"+flag+" must be type:id", err)
	}
	return &ref, nil
}
