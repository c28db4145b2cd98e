package cli

import (
	"context"

	"github.com/m-mizutani/flakewatch/pkg/cli/config"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/usecase"
	"github.com/urfave/cli/v3"
)

func cmdDeadLetters() *cli.Command {
	var (
		storeCfg config.Store
		limit    int
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Maximum number of dead letters to print",
			Value:       50,
			Destination: &limit,
		},
	}
	flags = append(flags, storeCfg.Flags()...)

	return &cli.Command{
		Name:  "dead-letters",
		Usage: "Print the most recent dead letters as JSON",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			backend, err := storeCfg.New(ctx)
			if err != nil {
				return err
			}
			defer closeWith(ctx, "store", backend.Close)

			// listing needs no dispatcher
			dls, err := usecase.NewReplay(backend.Repository, nil).ListDeadLetters(ctx, limit)
			if err != nil {
				return err
			}
			if dls == nil {
				dls = []*model.DeadLetter{}
			}
			return printJSON(c.Root().Writer, dls)
		},
	}
}
