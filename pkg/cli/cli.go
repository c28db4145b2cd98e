package cli

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/cli/config"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/urfave/cli/v3"
)

// Run runs the CLI application
func Run(ctx context.Context, args []string) error {
	var (
		loggerCfg config.Logger
		sentryCfg config.Sentry
		logger    *slog.Logger
		flush     = func() {}
	)

	app := &cli.Command{
		Name:    "flakewatch",
		Usage:   "GitHub webhook pipeline tracking pull requests, CI results and flaky tests",
		Version: types.Version,
		Flags:   append(loggerCfg.Flags(), sentryCfg.Flags()...),
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			var err error
			logger, err = loggerCfg.Configure()
			if err != nil {
				return nil, err
			}

			slog.SetDefault(logger)
			ctx = ctxlog.With(ctx, logger)

			if flush, err = sentryCfg.Configure(); err != nil {
				return nil, err
			}
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			flush()
			return nil
		},
		Commands: []*cli.Command{
			cmdServe(),
			cmdReplay(),
			cmdDeadLetters(),
		},
	}

	if err := app.Run(ctx, args); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("CLI execution failed", slog.Any("error", err))
		return err
	}

	return nil
}
