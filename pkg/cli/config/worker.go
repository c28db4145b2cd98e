package config

import (
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/worker"
	"github.com/urfave/cli/v3"
)

// Worker holds worker pool and recoverer configuration
type Worker struct {
	High                     int
	Default                  int
	Low                      int
	RecoverInterval          time.Duration
	RecoverProcessingTimeout time.Duration
}

// Flags returns CLI flags for worker configuration
func (c *Worker) Flags() []cli.Flag {
	def := worker.DefaultConfig()
	rec := worker.DefaultRecovererConfig()
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "workers-high",
			Usage:       "Number of workers on the high lane",
			Value:       def.Workers[model.LaneHigh],
			Destination: &c.High,
			Sources:     cli.EnvVars("FLAKEWATCH_WORKERS_HIGH"),
		},
		&cli.IntFlag{
			Name:        "workers-default",
			Usage:       "Number of workers on the default lane",
			Value:       def.Workers[model.LaneDefault],
			Destination: &c.Default,
			Sources:     cli.EnvVars("FLAKEWATCH_WORKERS_DEFAULT"),
		},
		&cli.IntFlag{
			Name:        "workers-low",
			Usage:       "Number of workers on the low lane",
			Value:       def.Workers[model.LaneLow],
			Destination: &c.Low,
			Sources:     cli.EnvVars("FLAKEWATCH_WORKERS_LOW"),
		},
		&cli.DurationFlag{
			Name:        "recover-interval",
			Usage:       "Interval of the sweep re-dispatching lost ledger rows",
			Value:       rec.Interval,
			Destination: &c.RecoverInterval,
			Sources:     cli.EnvVars("FLAKEWATCH_RECOVER_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:        "recover-processing-timeout",
			Usage:       "Age after which a processing row is treated as abandoned",
			Value:       rec.ProcessingTimeout,
			Destination: &c.RecoverProcessingTimeout,
			Sources:     cli.EnvVars("FLAKEWATCH_RECOVER_PROCESSING_TIMEOUT"),
		},
	}
}

// PoolConfig builds the pool configuration with the retry policies of p
func (c *Worker) PoolConfig(p *Policy) worker.Config {
	cfg := worker.DefaultConfig()
	cfg.Workers = map[model.Lane]int{
		model.LaneHigh:    c.High,
		model.LaneDefault: c.Default,
		model.LaneLow:     c.Low,
	}
	cfg.WebhookPolicy = p.WebhookPolicy
	cfg.FlakinessPolicy = p.FlakinessPolicy
	return cfg
}

// RecovererConfig builds the recoverer configuration with the webhook retry policy of p
func (c *Worker) RecovererConfig(p *Policy) worker.RecovererConfig {
	cfg := worker.DefaultRecovererConfig()
	if c.RecoverInterval > 0 {
		cfg.Interval = c.RecoverInterval
	}
	if c.RecoverProcessingTimeout > 0 {
		cfg.ProcessingTimeout = c.RecoverProcessingTimeout
	}
	cfg.Policy = p.WebhookPolicy
	return cfg
}
