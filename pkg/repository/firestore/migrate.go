package firestore

import (
	"context"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/fireconf"
	"github.com/m-mizutani/goerr/v2"
)

// IndexConfig returns the composite indexes used by the recovery sweep and
// the test history lookup, on the prefixed collection names
func (r *Repository) IndexConfig() *fireconf.Config {
	asc := func(path string) fireconf.IndexField {
		return fireconf.IndexField{Path: path, Order: fireconf.OrderAscending}
	}
	desc := func(path string) fireconf.IndexField {
		return fireconf.IndexField{Path: path, Order: fireconf.OrderDescending}
	}

	return &fireconf.Config{
		Collections: []fireconf.Collection{
			{
				Name: r.prefix + collEvents,
				Indexes: []fireconf.Index{
					{Fields: []fireconf.IndexField{asc("status"), asc("received_at")}},
					{Fields: []fireconf.IndexField{asc("status"), asc("retry_after")}},
					{Fields: []fireconf.IndexField{asc("status"), asc("processing_started_at")}},
				},
			},
			{
				Name: r.prefix + collTestResults,
				Indexes: []fireconf.Index{
					{Fields: []fireconf.IndexField{asc("repository"), asc("test_id"), desc("observed_at")}},
				},
			},
		},
	}
}

// Migrate creates the missing composite indexes through the Firestore Admin
// API and waits for them
func (r *Repository) Migrate(ctx context.Context) error {
	logger := ctxlog.From(ctx)

	client, err := fireconf.New(ctx, r.projectID, r.databaseID, r.IndexConfig(), fireconf.WithLogger(logger))
	if err != nil {
		return goerr.Wrap(err, "failed to create fireconf client",
			goerr.V("project_id", r.projectID),
			goerr.V("database_id", r.databaseID))
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close fireconf client", "error", err)
		}
	}()

	if err := client.Migrate(ctx); err != nil {
		return goerr.Wrap(err, "failed to migrate firestore indexes",
			goerr.V("project_id", r.projectID),
			goerr.V("database_id", r.databaseID))
	}
	logger.Info("firestore indexes migrated", "database_id", r.databaseID, "prefix", r.prefix)
	return nil
}
