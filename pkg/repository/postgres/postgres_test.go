package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/m-mizutani/flakewatch/pkg/repository/postgres"
	"github.com/m-mizutani/flakewatch/pkg/repository/repotest"
	"github.com/m-mizutani/gt"
)

func TestRepository(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN is not set")
	}

	repo, err := postgres.New(context.Background(), dsn)
	gt.NoError(t, err)
	defer repo.Close()

	repotest.Run(t, repo)
}
