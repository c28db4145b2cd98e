package cli

import (
	"context"
	"encoding/json"
	"io"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/cli/config"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/flakewatch/pkg/usecase"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func cmdReplay() *cli.Command {
	var (
		storeCfg     config.Store
		queueCfg     config.Queue
		eventID      string
		deliveryID   string
		deadLetterID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "event-id",
			Usage:       "Ledger event ID to replay",
			Destination: &eventID,
		},
		&cli.StringFlag{
			Name:        "delivery-id",
			Usage:       "GitHub delivery ID to replay",
			Destination: &deliveryID,
		},
		&cli.StringFlag{
			Name:        "dead-letter-id",
			Usage:       "Dead letter ID to replay",
			Destination: &deadLetterID,
		},
	}
	flags = append(flags, storeCfg.Flags()...)
	flags = append(flags, queueCfg.Flags()...)

	return &cli.Command{
		Name:  "replay",
		Usage: "Reset a ledger event or dead letter and dispatch it again",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			var set int
			for _, v := range []string{eventID, deliveryID, deadLetterID} {
				if v != "" {
					set++
				}
			}
			if set != 1 {
				return goerr.New("exactly one of --event-id, --delivery-id or --dead-letter-id is required")
			}
			if storeCfg.Backend == config.StoreMemory || queueCfg.Backend == config.QueueMemory {
				ctxlog.From(ctx).Warn("replay against an in-process store or queue has no effect on a running server")
			}

			backend, err := storeCfg.New(ctx)
			if err != nil {
				return err
			}
			defer closeWith(ctx, "store", backend.Close)

			broker, err := queueCfg.New(ctx)
			if err != nil {
				return err
			}
			defer closeWith(ctx, "queue", broker.Close)

			replay := usecase.NewReplay(backend.Repository, usecase.NewDispatcher(broker.Queue))

			var result any
			switch {
			case eventID != "":
				result, err = replay.ReplayEvent(ctx, types.EventID(eventID))
			case deliveryID != "":
				result, err = replay.ReplayDelivery(ctx, deliveryID)
			default:
				result, err = replay.ReplayDeadLetter(ctx, types.DeadLetterID(deadLetterID))
			}
			if err != nil {
				return err
			}

			return printJSON(c.Root().Writer, result)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return goerr.Wrap(err, "failed to write JSON output")
	}
	return nil
}
