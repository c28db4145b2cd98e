package http_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"

	controller "github.com/m-mizutani/flakewatch/pkg/controller/http"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/infra/queue"
	"github.com/m-mizutani/flakewatch/pkg/repository/memory"
	"github.com/m-mizutani/flakewatch/pkg/usecase"
)

// generateSignature generates HMAC-SHA256 signature for testing
func generateSignature(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newWebhookUseCase() interfaces.WebhookUseCase {
	return usecase.NewWebhook(memory.New(), usecase.NewDispatcher(queue.NewMemory()))
}

type mockWebhookUseCase struct {
	ingestFunc func(ctx context.Context, d *model.WebhookDelivery) (*model.IngestResult, error)
	calls      int
}

func (m *mockWebhookUseCase) Ingest(ctx context.Context, d *model.WebhookDelivery) (*model.IngestResult, error) {
	m.calls++
	return m.ingestFunc(ctx, d)
}

func newRequest(t *testing.T, secret, event, delivery string, payload []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	if delivery != "" {
		req.Header.Set("X-GitHub-Delivery", delivery)
	}
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", generateSignature(secret, payload))
	}
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	gt.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestWebhookHandler_Responses(t *testing.T) {
	secret := "test-secret"
	handler := controller.NewWebhookHandler(secret, newWebhookUseCase())
	payload := []byte(`{"action":"opened","pull_request":{"number":1},"repository":{"full_name":"octo/repo"}}`)

	t.Run("accepted then duplicate", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.Handle(w, newRequest(t, secret, "pull_request", "delivery-1", payload))
		gt.Equal(t, w.Code, http.StatusAccepted)

		first := decode(t, w)
		gt.Equal(t, first["status"], any("accepted"))
		gt.Equal(t, first["delivery_id"], any("delivery-1"))
		gt.Value(t, first["latency_ms"]).NotNil()

		w = httptest.NewRecorder()
		handler.Handle(w, newRequest(t, secret, "pull_request", "delivery-1", payload))
		gt.Equal(t, w.Code, http.StatusOK)

		second := decode(t, w)
		gt.Equal(t, second["status"], any("duplicate"))
		gt.Equal(t, second["id"], first["id"])
	})

	t.Run("unsupported event is skipped", func(t *testing.T) {
		body := []byte(`{"action":"labeled","repository":{"full_name":"octo/repo"}}`)
		w := httptest.NewRecorder()
		handler.Handle(w, newRequest(t, secret, "issues", "delivery-2", body))
		gt.Equal(t, w.Code, http.StatusAccepted)
		gt.Equal(t, decode(t, w)["status"], any("skipped"))
	})
}

func TestWebhookHandler_Rejections(t *testing.T) {
	secret := "test-secret"
	payload := []byte(`{"action":"opened"}`)

	tests := []struct {
		name           string
		req            func(t *testing.T) *http.Request
		wantStatusCode int
	}{
		{
			name: "missing event header",
			req: func(t *testing.T) *http.Request {
				return newRequest(t, secret, "", "d", payload)
			},
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name: "missing delivery header",
			req: func(t *testing.T) *http.Request {
				return newRequest(t, secret, "pull_request", "", payload)
			},
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name: "missing signature header",
			req: func(t *testing.T) *http.Request {
				return newRequest(t, "", "pull_request", "d", payload)
			},
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name: "signature by another secret",
			req: func(t *testing.T) *http.Request {
				return newRequest(t, "other-secret", "pull_request", "d", payload)
			},
			wantStatusCode: http.StatusForbidden,
		},
		{
			name: "invalid JSON",
			req: func(t *testing.T) *http.Request {
				return newRequest(t, secret, "pull_request", "d", []byte(`{"action":`))
			},
			wantStatusCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc := &mockWebhookUseCase{
				ingestFunc: func(ctx context.Context, d *model.WebhookDelivery) (*model.IngestResult, error) {
					return nil, errors.New("must not be called")
				},
			}
			handler := controller.NewWebhookHandler(secret, uc)

			w := httptest.NewRecorder()
			handler.Handle(w, tt.req(t))
			gt.Equal(t, w.Code, tt.wantStatusCode)
			gt.Equal(t, uc.calls, 0)
		})
	}
}

func TestWebhookHandler_StorageFailure(t *testing.T) {
	secret := "test-secret"
	uc := &mockWebhookUseCase{
		ingestFunc: func(ctx context.Context, d *model.WebhookDelivery) (*model.IngestResult, error) {
			gt.True(t, d.SignatureVerified)
			gt.Equal(t, d.Category, model.CategoryPullRequest)
			return nil, errors.New("store unavailable")
		},
	}
	handler := controller.NewWebhookHandler(secret, uc)

	w := httptest.NewRecorder()
	handler.Handle(w, newRequest(t, secret, "pull_request", "d", []byte(`{}`)))
	gt.Equal(t, w.Code, http.StatusInternalServerError)
	gt.Equal(t, uc.calls, 1)
}

func TestWebhookHandler_Integration(t *testing.T) {
	ctx := context.Background()
	secret := "integration-test-secret"

	server, err := controller.NewServer(
		ctx,
		newWebhookUseCase(),
		controller.WithAddr("localhost:0"),
		controller.WithWebhookSecret(secret),
		controller.WithMaxPayloadSize(1024),
	)
	gt.NoError(t, err)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	send := func(payload []byte) *http.Response {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/hooks/github", bytes.NewReader(payload))
		gt.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-GitHub-Event", "pull_request")
		req.Header.Set("X-GitHub-Delivery", "integration-test")
		req.Header.Set("X-Hub-Signature-256", generateSignature(secret, payload))

		resp, err := http.DefaultClient.Do(req)
		gt.NoError(t, err)
		return resp
	}

	resp := send([]byte(`{"action":"opened","repository":{"full_name":"octo/repo"}}`))
	defer func() {
		_ = resp.Body.Close() // Error ignored in test
	}()
	gt.Equal(t, resp.StatusCode, http.StatusAccepted)

	large := send([]byte(`{"pad":"` + strings.Repeat("x", 2048) + `"}`))
	defer func() {
		_ = large.Body.Close() // Error ignored in test
	}()
	gt.Equal(t, large.StatusCode, http.StatusRequestEntityTooLarge)
}
