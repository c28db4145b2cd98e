package config

import (
	"context"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/repository/firestore"
	"github.com/m-mizutani/flakewatch/pkg/repository/memory"
	"github.com/m-mizutani/flakewatch/pkg/repository/postgres"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

// Store backends
const (
	StoreMemory    = "memory"
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
)

// Store holds durable store configuration
type Store struct {
	Backend             string
	FirestoreProjectID  string
	FirestoreDatabaseID string
	FirestorePrefix     string
	FirestoreMigrate    bool
	PostgresDSN         string `masq:"secret"`
}

// Flags returns CLI flags for store configuration
func (c *Store) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "store",
			Usage:       "Store backend (memory, firestore, postgres)",
			Value:       StoreMemory,
			Destination: &c.Backend,
			Sources:     cli.EnvVars("FLAKEWATCH_STORE"),
		},
		&cli.StringFlag{
			Name:        "firestore-project-id",
			Usage:       "Firestore project ID",
			Destination: &c.FirestoreProjectID,
			Sources:     cli.EnvVars("FLAKEWATCH_FIRESTORE_PROJECT_ID"),
		},
		&cli.StringFlag{
			Name:        "firestore-database-id",
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Destination: &c.FirestoreDatabaseID,
			Sources:     cli.EnvVars("FLAKEWATCH_FIRESTORE_DATABASE_ID"),
		},
		&cli.StringFlag{
			Name:        "firestore-collection-prefix",
			Usage:       "Prefix of every Firestore collection name",
			Destination: &c.FirestorePrefix,
			Sources:     cli.EnvVars("FLAKEWATCH_FIRESTORE_COLLECTION_PREFIX"),
		},
		&cli.BoolFlag{
			Name:        "firestore-migrate",
			Usage:       "Create the Firestore composite indexes at startup",
			Destination: &c.FirestoreMigrate,
			Sources:     cli.EnvVars("FLAKEWATCH_FIRESTORE_MIGRATE"),
		},
		&cli.StringFlag{
			Name:        "postgres-dsn",
			Usage:       "PostgreSQL DSN",
			Destination: &c.PostgresDSN,
			Sources:     cli.EnvVars("FLAKEWATCH_POSTGRES_DSN"),
		},
	}
}

// Validate checks that the selected backend is configured
func (c *Store) Validate() error {
	switch c.Backend {
	case StoreMemory:
	case StoreFirestore:
		if c.FirestoreProjectID == "" {
			return goerr.New("firestore store requires --firestore-project-id")
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return goerr.New("postgres store requires --postgres-dsn")
		}
	default:
		return goerr.New("unknown store backend", goerr.V("backend", c.Backend))
	}
	return nil
}

// Backend is an opened store with its lifecycle hooks
type Backend struct {
	Repository interfaces.Repository
	// Ping checks the store, nil when the backend has no cheap check
	Ping  func(ctx context.Context) error
	Close func() error
}

// New opens the selected store
func (c *Store) New(ctx context.Context) (*Backend, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ctxlog.From(ctx).Info("opening store", "backend", c.Backend)

	switch c.Backend {
	case StoreFirestore:
		var opts []firestore.Option
		if c.FirestorePrefix != "" {
			opts = append(opts, firestore.WithCollectionPrefix(c.FirestorePrefix))
		}
		repo, err := firestore.New(ctx, c.FirestoreProjectID, c.FirestoreDatabaseID, opts...)
		if err != nil {
			return nil, err
		}
		if c.FirestoreMigrate {
			if err := repo.Migrate(ctx); err != nil {
				_ = repo.Close()
				return nil, err
			}
		}
		return &Backend{Repository: repo, Close: repo.Close}, nil

	case StorePostgres:
		repo, err := postgres.New(ctx, c.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return &Backend{Repository: repo, Ping: repo.Ping, Close: repo.Close}, nil
	}

	return &Backend{
		Repository: memory.New(),
		Close:      func() error { return nil },
	}, nil
}
