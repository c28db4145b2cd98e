package config

import (
	"context"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/infra/queue"
	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
)

// Queue backends
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Queue holds task queue configuration
type Queue struct {
	Backend        string
	RedisAddr      string
	RedisPassword  string `masq:"secret"`
	RedisDB        int
	RedisPrefix    string
	LeaseTimeout   time.Duration
	ConnectTimeout time.Duration
}

// Flags returns CLI flags for queue configuration
func (c *Queue) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "queue",
			Usage:       "Queue backend (memory, redis)",
			Value:       QueueMemory,
			Destination: &c.Backend,
			Sources:     cli.EnvVars("FLAKEWATCH_QUEUE"),
		},
		&cli.StringFlag{
			Name:        "redis-addr",
			Usage:       "Redis address",
			Value:       "localhost:6379",
			Destination: &c.RedisAddr,
			Sources:     cli.EnvVars("FLAKEWATCH_REDIS_ADDR"),
		},
		&cli.StringFlag{
			Name:        "redis-password",
			Usage:       "Redis password",
			Destination: &c.RedisPassword,
			Sources:     cli.EnvVars("FLAKEWATCH_REDIS_PASSWORD"),
		},
		&cli.IntFlag{
			Name:        "redis-db",
			Usage:       "Redis database number",
			Destination: &c.RedisDB,
			Sources:     cli.EnvVars("FLAKEWATCH_REDIS_DB"),
		},
		&cli.StringFlag{
			Name:        "redis-key-prefix",
			Usage:       "Prefix of the queue keys",
			Value:       "flakewatch:queue",
			Destination: &c.RedisPrefix,
			Sources:     cli.EnvVars("FLAKEWATCH_REDIS_KEY_PREFIX"),
		},
		&cli.DurationFlag{
			Name:        "queue-lease-timeout",
			Usage:       "Time after which an unacked task is delivered again",
			Value:       queue.DefaultLeaseTimeout,
			Destination: &c.LeaseTimeout,
			Sources:     cli.EnvVars("FLAKEWATCH_QUEUE_LEASE_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:        "redis-connect-timeout",
			Usage:       "How long to retry the initial Redis connection",
			Value:       30 * time.Second,
			Destination: &c.ConnectTimeout,
			Sources:     cli.EnvVars("FLAKEWATCH_REDIS_CONNECT_TIMEOUT"),
		},
	}
}

// Broker is an opened queue with its lifecycle hooks
type Broker struct {
	Queue interfaces.Queue
	// Ping checks the queue, nil for the in-process queue
	Ping  func(ctx context.Context) error
	Close func() error
}

// New opens the selected queue
func (c *Queue) New(ctx context.Context) (*Broker, error) {
	ctxlog.From(ctx).Info("opening queue", "backend", c.Backend)

	switch c.Backend {
	case QueueMemory:
		return &Broker{
			Queue: queue.NewMemory(queue.WithMemoryLeaseTimeout(c.LeaseTimeout)),
			Close: func() error { return nil },
		}, nil

	case QueueRedis:
		client, err := queue.Connect(ctx, &redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		}, c.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		q := queue.NewRedis(client,
			queue.WithKeyPrefix(c.RedisPrefix),
			queue.WithRedisLeaseTimeout(c.LeaseTimeout))
		return &Broker{
			Queue: q,
			Ping: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
			Close: client.Close,
		}, nil
	}

	return nil, goerr.New("unknown queue backend", goerr.V("backend", c.Backend))
}
