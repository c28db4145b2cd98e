package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/infra/queue"
	"github.com/m-mizutani/flakewatch/pkg/repository/memory"
	"github.com/m-mizutani/flakewatch/pkg/usecase"
	"github.com/m-mizutani/flakewatch/pkg/worker"
	"github.com/m-mizutani/gt"
)

func TestRecovererSweep(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	q := queue.NewMemory()
	cfg := worker.DefaultRecovererConfig()
	cfg.PendingGrace = 0
	cfg.RetryGrace = 0
	cfg.ProcessingTimeout = 0
	rec := worker.NewRecoverer(repo, usecase.NewDispatcher(q), cfg, nil)

	pending := newEvent(t, repo)

	abandoned := newEvent(t, repo)
	_, ok, err := repo.ClaimWebhookEvent(ctx, abandoned.ID, time.Now().Add(-time.Hour))
	gt.NoError(t, err)
	gt.True(t, ok)

	done := newEvent(t, repo)
	_, err = repo.CompleteWebhookEvent(ctx, done.ID, time.Now())
	gt.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := rec.Sweep(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 2)
	gt.Equal(t, q.Len(model.LaneHigh), 2)

	stored, err := repo.GetWebhookEvent(ctx, abandoned.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.EventStatusFailed)
	gt.Equal(t, stored.RetryCount, 1)

	stored, err = repo.GetWebhookEvent(ctx, pending.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.EventStatusPending)
}

func TestRecovererDeadLettersExhaustedAbandonedEvent(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	q := queue.NewMemory()
	cfg := worker.DefaultRecovererConfig()
	cfg.ProcessingTimeout = 0
	cfg.Policy.MaxAttempts = 1
	rec := worker.NewRecoverer(repo, usecase.NewDispatcher(q), cfg, nil)

	ev := newEvent(t, repo)
	_, ok, err := repo.ClaimWebhookEvent(ctx, ev.ID, time.Now().Add(-time.Hour))
	gt.NoError(t, err)
	gt.True(t, ok)

	n, err := rec.Sweep(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 0)
	gt.Equal(t, q.Len(model.LaneHigh), 0)

	dls, err := repo.ListDeadLetters(ctx, 10)
	gt.NoError(t, err)
	gt.A(t, dls).Length(1)
	gt.Equal(t, dls[0].Task.EventID, ev.ID)
}
