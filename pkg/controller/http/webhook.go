package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultMaxPayloadSize is the largest webhook body GitHub delivers
const DefaultMaxPayloadSize = 25 << 20

const (
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"
)

// WebhookHandler handles GitHub webhooks
type WebhookHandler struct {
	secret         string
	maxPayloadSize int64
	webhookUC      interfaces.WebhookUseCase
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(secret string, webhookUC interfaces.WebhookUseCase) *WebhookHandler {
	return &WebhookHandler{
		secret:         secret,
		maxPayloadSize: DefaultMaxPayloadSize,
		webhookUC:      webhookUC,
	}
}

// Handle authenticates a delivery and hands it to ingestion
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := ctxlog.From(ctx)

	category := r.Header.Get(headerEvent)
	deliveryID := r.Header.Get(headerDelivery)
	signature := r.Header.Get(headerSignature)
	if category == "" || deliveryID == "" || signature == "" {
		writeError(w, r, goerr.New("missing required webhook headers",
			goerr.V("event", category),
			goerr.V("delivery_id", deliveryID),
			goerr.T(model.ErrTagValidation)), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPayloadSize))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, r, goerr.Wrap(err, "failed to read request body", goerr.T(model.ErrTagValidation)), status)
		return
	}
	defer r.Body.Close()

	if !VerifySignature(body, signature, h.secret) {
		logger.Warn("Invalid webhook signature",
			"category", category,
			"source_ip", r.RemoteAddr,
			"delivery_id", deliveryID,
		)
		writeError(w, r, goerr.New("invalid signature", goerr.T(model.ErrTagSecurity)), http.StatusForbidden)
		return
	}

	if !json.Valid(body) {
		writeError(w, r, goerr.New("invalid JSON payload",
			goerr.V("delivery_id", deliveryID),
			goerr.T(model.ErrTagValidation)), http.StatusBadRequest)
		return
	}

	result, err := h.webhookUC.Ingest(ctx, &model.WebhookDelivery{
		DeliveryID:        deliveryID,
		Category:          model.EventCategory(category),
		Payload:           body,
		SignatureVerified: true,
		SourceIP:          r.RemoteAddr,
		UserAgent:         r.UserAgent(),
		ReceivedAt:        time.Now(),
	})
	if err != nil {
		status := http.StatusInternalServerError
		if goerr.HasTag(err, model.ErrTagValidation) {
			status = http.StatusBadRequest
		}
		logger.Error("Failed to ingest webhook event", "error", err, "delivery_id", deliveryID)
		writeError(w, r, err, status)
		return
	}

	switch result.Outcome {
	case model.IngestDuplicate:
		writeJSON(w, r, http.StatusOK, map[string]any{
			"status": "duplicate",
			"id":     result.Event.ID,
		})
	case model.IngestSkipped:
		writeJSON(w, r, http.StatusAccepted, map[string]any{
			"status":      "skipped",
			"id":          result.Event.ID,
			"delivery_id": result.Event.DeliveryID,
		})
	default:
		writeJSON(w, r, http.StatusAccepted, map[string]any{
			"status":      "accepted",
			"id":          result.Event.ID,
			"delivery_id": result.Event.DeliveryID,
			"latency_ms":  result.Latency.Milliseconds(),
		})
	}
}
