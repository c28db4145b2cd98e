package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/m-mizutani/flakewatch/pkg/cli/config"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/gt"
)

func TestStore_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Store
		wantErr bool
	}{
		{name: "memory", cfg: config.Store{Backend: config.StoreMemory}},
		{name: "firestore", cfg: config.Store{Backend: config.StoreFirestore, FirestoreProjectID: "p"}},
		{name: "firestore without project", cfg: config.Store{Backend: config.StoreFirestore}, wantErr: true},
		{name: "postgres", cfg: config.Store{Backend: config.StorePostgres, PostgresDSN: "postgres://localhost/db"}},
		{name: "postgres without DSN", cfg: config.Store{Backend: config.StorePostgres}, wantErr: true},
		{name: "unknown", cfg: config.Store{Backend: "mysql"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				gt.Error(t, err)
			} else {
				gt.NoError(t, err)
			}
		})
	}
}

func TestStore_NewMemory(t *testing.T) {
	backend, err := (&config.Store{Backend: config.StoreMemory}).New(context.Background())
	gt.NoError(t, err)
	gt.Value(t, backend.Repository).NotNil()
	gt.NoError(t, backend.Close())
}

func TestQueue_New(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		broker, err := (&config.Queue{Backend: config.QueueMemory, LeaseTimeout: time.Minute}).New(ctx)
		gt.NoError(t, err)
		gt.Value(t, broker.Queue).NotNil()
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		broker, err := (&config.Queue{
			Backend:        config.QueueRedis,
			RedisAddr:      mr.Addr(),
			RedisPrefix:    "test",
			LeaseTimeout:   time.Minute,
			ConnectTimeout: time.Second,
		}).New(ctx)
		gt.NoError(t, err)
		defer func() { gt.NoError(t, broker.Close()) }()

		gt.NoError(t, broker.Ping(ctx))
		gt.NoError(t, broker.Queue.Enqueue(ctx, model.NewAnalysisTask("tr_1", time.Now()), 0))
		gt.True(t, mr.Exists("test:tasks"))
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := (&config.Queue{Backend: "kafka"}).New(ctx)
		gt.Error(t, err)
	})
}

func TestSlack_Notifier(t *testing.T) {
	gt.Value(t, (&config.Slack{}).Notifier()).Nil()

	n := (&config.Slack{WebhookURL: "https://hooks.slack.com/services/x"}).Notifier()
	gt.Value(t, n).NotNil()
	gt.Equal(t, n.Name(), "slack")
}

func TestWorker_PoolConfig(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.WebhookPolicy.MaxAttempts = 7

	w := &config.Worker{High: 1, Default: 2, Low: 3, RecoverInterval: 30 * time.Second}
	cfg := w.PoolConfig(policy)
	gt.Equal(t, cfg.Workers[model.LaneHigh], 1)
	gt.Equal(t, cfg.Workers[model.LaneLow], 3)
	gt.Equal(t, cfg.WebhookPolicy.MaxAttempts, 7)

	rec := w.RecovererConfig(policy)
	gt.Equal(t, rec.Interval, 30*time.Second)
	gt.Equal(t, rec.Policy.MaxAttempts, 7)
}

func TestGitHub_NewClient(t *testing.T) {
	client, err := (&config.GitHub{WebhookSecret: "s"}).NewClient()
	gt.NoError(t, err)
	gt.Value(t, client).Nil()

	_, err = (&config.GitHub{AppID: 1, InstallationID: 2, PrivateKeyFile: "/nonexistent/key.pem"}).NewClient()
	gt.Error(t, err)
}
