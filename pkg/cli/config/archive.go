package config

import (
	"context"

	"github.com/m-mizutani/flakewatch/pkg/infra/storage"
	"github.com/urfave/cli/v3"
)

// Archive holds dead-letter archive configuration
type Archive struct {
	Bucket string
	Prefix string
}

// Flags returns CLI flags for archive configuration
func (c *Archive) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "dead-letter-bucket",
			Usage:       "Cloud Storage bucket dead letters are archived to",
			Destination: &c.Bucket,
			Sources:     cli.EnvVars("FLAKEWATCH_DEAD_LETTER_BUCKET"),
		},
		&cli.StringFlag{
			Name:        "dead-letter-prefix",
			Usage:       "Object prefix of archived dead letters",
			Value:       storage.DefaultPrefix,
			Destination: &c.Prefix,
			Sources:     cli.EnvVars("FLAKEWATCH_DEAD_LETTER_PREFIX"),
		},
	}
}

// New creates the archiver, or returns nil when no bucket is configured
func (c *Archive) New(ctx context.Context) (*storage.Archiver, error) {
	if c.Bucket == "" {
		return nil, nil
	}
	return storage.New(ctx, c.Bucket, storage.WithPrefix(c.Prefix))
}
