package worker

import (
	"context"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/utils/errutil"
	"github.com/m-mizutani/goerr/v2"
)

// RecovererConfig holds the sweep timings of a Recoverer
type RecovererConfig struct {
	Interval time.Duration
	// PendingGrace is how long a pending row may wait for its task
	PendingGrace time.Duration
	// RetryGrace is how long a due retry may wait for its delayed task
	RetryGrace time.Duration
	// ProcessingTimeout is how long a claimed row may stay processing
	ProcessingTimeout time.Duration
	BatchSize         int
	Policy            model.RetryPolicy
}

// DefaultRecovererConfig returns the default sweep timings
func DefaultRecovererConfig() RecovererConfig {
	return RecovererConfig{
		Interval:          time.Minute,
		PendingGrace:      5 * time.Minute,
		RetryGrace:        5 * time.Minute,
		ProcessingTimeout: 15 * time.Minute,
		BatchSize:         100,
		Policy:            model.DefaultWebhookPolicy(),
	}
}

// Recoverer re-dispatches ledger rows whose task was lost: pending rows never
// dequeued, failed rows whose retry is overdue and processing rows abandoned
// by a crashed worker.
type Recoverer struct {
	store      Store
	dispatcher interfaces.Dispatcher
	archiver   interfaces.DeadLetterArchiver
	cfg        RecovererConfig
}

// NewRecoverer creates a Recoverer
func NewRecoverer(store Store, dispatcher interfaces.Dispatcher, cfg RecovererConfig, archiver interfaces.DeadLetterArchiver) *Recoverer {
	return &Recoverer{
		store:      store,
		dispatcher: dispatcher,
		archiver:   archiver,
		cfg:        cfg,
	}
}

// Run sweeps every interval until ctx is done
func (r *Recoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			errutil.Handle(ctx, err, "recovery sweep failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep re-dispatches one batch of recoverable rows and returns how many
func (r *Recoverer) Sweep(ctx context.Context) (int, error) {
	logger := ctxlog.From(ctx)
	now := time.Now()

	events, err := r.store.ListRecoverableWebhookEvents(ctx, model.RecoveryQuery{
		PendingBefore:    now.Add(-r.cfg.PendingGrace),
		RetryDueBefore:   now.Add(-r.cfg.RetryGrace),
		ProcessingBefore: now.Add(-r.cfg.ProcessingTimeout),
		Limit:            r.cfg.BatchSize,
	})
	if err != nil {
		return 0, goerr.Wrap(err, "failed to list recoverable events")
	}

	var recovered int
	for _, ev := range events {
		if ev.Status == model.EventStatusProcessing {
			ev, err = r.abandon(ctx, ev, now)
			if err != nil {
				return recovered, err
			}
			if ev == nil {
				continue
			}
		}

		if err := r.dispatcher.DispatchEvent(ctx, ev); err != nil {
			return recovered, err
		}
		recovered++
		logger.Info("event recovered",
			"event_id", ev.ID,
			"status", ev.Status,
			"retry_count", ev.RetryCount)
	}

	return recovered, nil
}

// abandon records the lost execution of a processing row as a failure. It
// returns nil when that failure exhausted the retry budget.
func (r *Recoverer) abandon(ctx context.Context, ev *model.WebhookEvent, now time.Time) (*model.WebhookEvent, error) {
	failures := ev.RetryCount + 1
	if r.cfg.Policy.Exhausted(failures) {
		if _, err := r.store.FailWebhookEvent(ctx, ev.ID, errAbandoned.Error(), now, nil); err != nil {
			return nil, goerr.Wrap(err, "failed to fail abandoned event", goerr.V("event_id", ev.ID))
		}
		task := model.NewEventTask(ev, now)
		task.Attempt = ev.RetryCount
		if err := deadLetter(ctx, r.store, r.archiver, task, ev, failures, errAbandoned); err != nil {
			return nil, err
		}
		return nil, nil
	}

	failed, err := r.store.FailWebhookEvent(ctx, ev.ID, errAbandoned.Error(), now, &now)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fail abandoned event", goerr.V("event_id", ev.ID))
	}
	return failed, nil
}
