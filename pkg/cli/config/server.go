package config

import (
	"time"

	controller "github.com/m-mizutani/flakewatch/pkg/controller/http"
	"github.com/m-mizutani/flakewatch/pkg/usecase"
	"github.com/urfave/cli/v3"
)

// Server holds server configuration
type Server struct {
	Addr            string
	MaxPayloadSize  int64
	LatencyBudget   time.Duration
	ShutdownTimeout time.Duration
}

// Flags returns CLI flags for server configuration
func (c *Server) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Server address",
			Value:       "localhost:8080",
			Destination: &c.Addr,
			Sources:     cli.EnvVars("FLAKEWATCH_ADDR"),
		},
		&cli.Int64Flag{
			Name:        "max-payload-size",
			Usage:       "Maximum webhook body size in bytes",
			Value:       controller.DefaultMaxPayloadSize,
			Destination: &c.MaxPayloadSize,
			Sources:     cli.EnvVars("FLAKEWATCH_MAX_PAYLOAD_SIZE"),
		},
		&cli.DurationFlag{
			Name:        "latency-budget",
			Usage:       "Ingest latency above which a warning is logged",
			Value:       usecase.DefaultLatencyBudget,
			Destination: &c.LatencyBudget,
			Sources:     cli.EnvVars("FLAKEWATCH_LATENCY_BUDGET"),
		},
		&cli.DurationFlag{
			Name:        "shutdown-timeout",
			Usage:       "Grace period for in-flight requests and tasks on shutdown",
			Value:       10 * time.Second,
			Destination: &c.ShutdownTimeout,
			Sources:     cli.EnvVars("FLAKEWATCH_SHUTDOWN_TIMEOUT"),
		},
	}
}
