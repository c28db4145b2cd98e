package usecase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/flakewatch/pkg/utils/errutil"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultLatencyBudget is the ingest latency above which a warning is logged
const DefaultLatencyBudget = 100 * time.Millisecond

type webhookUseCase struct {
	ledger        interfaces.EventLedger
	dispatcher    interfaces.Dispatcher
	latencyBudget time.Duration
}

// WebhookOption configures the webhook use case
type WebhookOption func(*webhookUseCase)

// WithLatencyBudget sets the ingest latency budget. Exceeding it is only logged.
func WithLatencyBudget(d time.Duration) WebhookOption {
	return func(uc *webhookUseCase) {
		uc.latencyBudget = d
	}
}

// NewWebhook creates a new instance of WebhookUseCase
func NewWebhook(ledger interfaces.EventLedger, dispatcher interfaces.Dispatcher, opts ...WebhookOption) *webhookUseCase {
	uc := &webhookUseCase{
		ledger:        ledger,
		dispatcher:    dispatcher,
		latencyBudget: DefaultLatencyBudget,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// payloadMeta is the part of every webhook payload the ledger indexes
type payloadMeta struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Ingest records an authenticated delivery in the ledger and dispatches it.
// The delivery ID is the only idempotency gate: a delivery seen before is
// reported as duplicate and never dispatched again.
func (uc *webhookUseCase) Ingest(ctx context.Context, d *model.WebhookDelivery) (*model.IngestResult, error) {
	start := time.Now()
	if d.DeliveryID == "" || d.Category == "" {
		return nil, goerr.New("delivery lacks ID or category",
			goerr.V("delivery_id", d.DeliveryID),
			goerr.V("category", d.Category),
			goerr.T(model.ErrTagValidation))
	}

	// repository and action are indexed on a best-effort basis
	var meta payloadMeta
	if err := json.Unmarshal(d.Payload, &meta); err != nil {
		ctxlog.From(ctx).Warn("failed to extract payload metadata",
			"delivery_id", d.DeliveryID,
			"error", err)
	}

	receivedAt := d.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = start
	}

	ev := &model.WebhookEvent{
		ID:                types.NewEventID(),
		DeliveryID:        d.DeliveryID,
		Category:          d.Category,
		Action:            meta.Action,
		Repository:        meta.Repository.FullName,
		Payload:           d.Payload,
		SignatureVerified: d.SignatureVerified,
		Status:            model.EventStatusPending,
		Lane:              model.LaneFor(d.Category, meta.Action),
		ReceivedAt:        receivedAt,
		SourceIP:          d.SourceIP,
		UserAgent:         d.UserAgent,
	}

	logger := ctxlog.From(ctx).With(
		"delivery_id", ev.DeliveryID,
		"category", ev.Category,
		"action", ev.Action,
		"repository", ev.Repository,
	)
	ctx = ctxlog.With(ctx, logger)

	stored, created, err := uc.ledger.CreateWebhookEvent(ctx, ev)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to record webhook event", goerr.V("delivery_id", ev.DeliveryID))
	}

	result := &model.IngestResult{Event: stored}
	switch {
	case !created:
		logger.Info("duplicate delivery ignored", "event_id", stored.ID)
		result.Outcome = model.IngestDuplicate

	case stored.Kind() == model.EventKindUnsupported:
		skipped, err := uc.ledger.SkipWebhookEvent(ctx, stored.ID, time.Now())
		if err != nil {
			return nil, goerr.Wrap(err, "failed to skip webhook event", goerr.V("event_id", stored.ID))
		}
		logger.Info("unsupported event skipped", "event_id", stored.ID)
		result.Outcome = model.IngestSkipped
		result.Event = skipped

	default:
		// the row stays pending on failure and the recoverer picks it up
		if err := uc.dispatcher.DispatchEvent(ctx, stored); err != nil {
			errutil.Handle(ctx, err, "failed to dispatch accepted event")
		}
		result.Outcome = model.IngestAccepted
	}

	result.Latency = time.Since(start)
	if result.Latency > uc.latencyBudget {
		logger.Warn("ingest latency over budget",
			"latency_ms", result.Latency.Milliseconds(),
			"budget_ms", uc.latencyBudget.Milliseconds())
	}

	return result, nil
}
