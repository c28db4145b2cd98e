package usecase

import (
	"context"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/goerr/v2"
)

// Replay re-runs ledger rows and dead letters on operator request
type Replay struct {
	repo       interfaces.Repository
	dispatcher interfaces.Dispatcher
}

// NewReplay creates a Replay
func NewReplay(repo interfaces.Repository, dispatcher interfaces.Dispatcher) *Replay {
	return &Replay{
		repo:       repo,
		dispatcher: dispatcher,
	}
}

// ReplayEvent resets a ledger row to pending and dispatches it again
func (r *Replay) ReplayEvent(ctx context.Context, id types.EventID) (*model.WebhookEvent, error) {
	ev, err := r.repo.GetWebhookEvent(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get webhook event", goerr.V("event_id", id))
	}
	if ev == nil {
		return nil, goerr.New("webhook event not found", goerr.V("event_id", id), goerr.T(model.ErrTagNotFound))
	}
	return r.replay(ctx, ev)
}

// ReplayDelivery works like ReplayEvent with the provider delivery ID
func (r *Replay) ReplayDelivery(ctx context.Context, deliveryID string) (*model.WebhookEvent, error) {
	ev, err := r.repo.GetWebhookEventByDeliveryID(ctx, deliveryID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get webhook event", goerr.V("delivery_id", deliveryID))
	}
	if ev == nil {
		return nil, goerr.New("webhook event not found", goerr.V("delivery_id", deliveryID), goerr.T(model.ErrTagNotFound))
	}
	return r.replay(ctx, ev)
}

func (r *Replay) replay(ctx context.Context, ev *model.WebhookEvent) (*model.WebhookEvent, error) {
	if ev.Kind() == model.EventKindUnsupported {
		return nil, goerr.New("event is not processable",
			goerr.V("event_id", ev.ID),
			goerr.V("category", ev.Category),
			goerr.V("action", ev.Action),
			goerr.T(model.ErrTagValidation))
	}

	reset, err := r.repo.ResetWebhookEvent(ctx, ev.ID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to reset webhook event", goerr.V("event_id", ev.ID))
	}
	if err := r.dispatcher.DispatchEvent(ctx, reset); err != nil {
		return nil, err
	}

	ctxlog.From(ctx).Info("webhook event replayed",
		"event_id", reset.ID,
		"delivery_id", reset.DeliveryID,
		"previous_status", ev.Status)
	return reset, nil
}

// ReplayDeadLetter dispatches the task of a dead letter again and marks it replayed
func (r *Replay) ReplayDeadLetter(ctx context.Context, id types.DeadLetterID) (*model.DeadLetter, error) {
	dl, err := r.repo.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get dead letter", goerr.V("dead_letter_id", id))
	}
	if dl == nil {
		return nil, goerr.New("dead letter not found", goerr.V("dead_letter_id", id), goerr.T(model.ErrTagNotFound))
	}

	switch dl.Task.Kind {
	case model.TaskProcessEvent:
		if _, err := r.ReplayEvent(ctx, dl.Task.EventID); err != nil {
			return nil, err
		}
	case model.TaskAnalyzeFlakiness:
		if err := r.dispatcher.DispatchAnalysis(ctx, dl.Task.TestRunID); err != nil {
			return nil, err
		}
	default:
		return nil, goerr.New("unknown task kind", goerr.V("kind", dl.Task.Kind), goerr.T(model.ErrTagValidation))
	}

	now := time.Now()
	if err := r.repo.MarkDeadLetterReplayed(ctx, id, now); err != nil {
		return nil, goerr.Wrap(err, "failed to mark dead letter replayed", goerr.V("dead_letter_id", id))
	}
	dl.ReplayedAt = &now

	ctxlog.From(ctx).Info("dead letter replayed",
		"dead_letter_id", dl.ID,
		"kind", dl.Task.Kind,
		"subject", dl.Task.Subject())
	return dl, nil
}

// ListDeadLetters returns the most recent dead letters
func (r *Replay) ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	dls, err := r.repo.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list dead letters", goerr.V("limit", limit))
	}
	return dls, nil
}
