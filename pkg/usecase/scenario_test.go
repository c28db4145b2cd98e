package usecase_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	githubcontroller "github.com/m-mizutani/flakewatch/pkg/controller/github"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/infra/queue"
	"github.com/m-mizutani/flakewatch/pkg/repository/memory"
	"github.com/m-mizutani/flakewatch/pkg/usecase"
	"github.com/m-mizutani/flakewatch/pkg/worker"
	"github.com/m-mizutani/gt"
)

// pipeline wires the real components on in-memory backends
type pipeline struct {
	repo     *memory.Repository
	queue    *queue.Memory
	webhook  interfaces.WebhookUseCase
	pool     *worker.Pool
	notifier *MockNotifier
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	repo := memory.New()
	q := queue.NewMemory()
	dispatcher := usecase.NewDispatcher(q)
	notifier := newMockNotifier("log")

	alertUC := usecase.NewAlert(repo, usecase.WithNotifier(notifier))
	flakinessUC := usecase.NewFlakiness(repo, alertUC, model.DefaultFlakinessConfig())
	processor := githubcontroller.NewEventProcessor(
		usecase.NewPullRequest(repo),
		usecase.NewCI(repo, dispatcher),
	)

	return &pipeline{
		repo:     repo,
		queue:    q,
		webhook:  usecase.NewWebhook(repo, dispatcher),
		pool:     worker.New(repo, q, processor, flakinessUC, worker.DefaultConfig()),
		notifier: notifier,
	}
}

func (p *pipeline) deliver(t *testing.T, deliveryID string, category model.EventCategory, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	gt.NoError(t, err)

	result, err := p.webhook.Ingest(context.Background(), &model.WebhookDelivery{
		DeliveryID:        deliveryID,
		Category:          category,
		Payload:           raw,
		SignatureVerified: true,
	})
	gt.NoError(t, err)
	gt.Equal(t, result.Outcome, model.IngestAccepted)
}

// drain handles every queued task in lane priority order until all lanes are empty
func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		var handled bool
		for _, lane := range model.Lanes {
			if p.queue.Len(lane) == 0 {
				continue
			}
			dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			task, err := p.queue.Dequeue(dctx, lane)
			cancel()
			gt.NoError(t, err)
			gt.NoError(t, p.pool.Handle(ctx, task))
			gt.NoError(t, p.queue.Ack(ctx, task))
			handled = true
			break
		}
		if !handled {
			return
		}
	}
}

func TestScenario_FlakyTestOnPullRequest(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	sha := "abc0000000000000000000000000000000000000"
	repository := map[string]any{"full_name": "octo/repo", "name": "repo", "owner": map[string]any{"login": "octo"}}

	p.deliver(t, "delivery-pr", model.CategoryPullRequest, map[string]any{
		"action": "opened",
		"number": 7,
		"pull_request": map[string]any{
			"id":         1007,
			"number":     7,
			"title":      "Add cache",
			"state":      "open",
			"user":       map[string]any{"id": 1, "login": "alice"},
			"head":       map[string]any{"ref": "feature", "sha": sha},
			"base":       map[string]any{"ref": "main"},
			"created_at": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
			"updated_at": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		},
		"repository": repository,
	})
	p.drain(t)

	// TestFlaky failed in 3 of its 6 prior runs
	seedHistory(t, p.repo, "cache_test.go", "cache", "TestFlaky", []bool{true, false, false, true, false, true})

	var tests []map[string]any
	for i := range 10 {
		name, status := fmt.Sprintf("TestStable%d", i), "passed"
		switch i {
		case 0:
			name, status = "TestFlaky", "failed"
		case 1:
			name, status = "TestNewlyBroken", "failed"
		}
		tests = append(tests, map[string]any{"file": "cache_test.go", "class": "cache", "name": name, "status": status})
	}
	report, err := json.Marshal(map[string]any{"tests": tests})
	gt.NoError(t, err)

	p.deliver(t, "delivery-ci", model.CategoryCheckRun, map[string]any{
		"action": "completed",
		"check_run": map[string]any{
			"id":           9001,
			"name":         "unit",
			"status":       "completed",
			"conclusion":   "failure",
			"head_sha":     sha,
			"started_at":   time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339),
			"completed_at": time.Now().UTC().Format(time.RFC3339),
			"output":       map[string]any{"summary": "8 passed, 2 failed", "text": string(report)},
		},
		"repository": repository,
	})
	p.drain(t)

	pr, err := p.repo.GetPullRequest(ctx, model.PullRequestKey{Repository: "octo/repo", Number: 7})
	gt.NoError(t, err)
	gt.Value(t, pr).NotNil()
	gt.Equal(t, pr.State, model.PullRequestOpen)
	gt.Equal(t, pr.HeadSHA, sha)
	gt.Equal(t, pr.CIStatus, model.CIStatusFailure)
	gt.Equal(t, pr.TotalTests, 10)
	gt.Equal(t, pr.FailedTests, 2)

	run, err := p.repo.GetTestRun(ctx, pr.LatestTestRunID)
	gt.NoError(t, err)
	gt.Value(t, run).NotNil()
	gt.Equal(t, run.Total, 10)
	gt.Equal(t, run.Failed, 2)
	gt.Equal(t, run.Flaky, 1)
	gt.Equal(t, *run.PullRequest, 7)

	alerts, err := p.repo.ListAlerts(ctx, model.AlertQuery{Repository: "octo/repo"})
	gt.NoError(t, err)
	gt.A(t, alerts).Length(1)
	gt.Equal(t, alerts[0].Type, model.TriggerFlakyTest)
	gt.Equal(t, alerts[0].Status, model.AlertActive)
	gt.Equal(t, alerts[0].PullRequest, 7)
	gt.Equal(t, alerts[0].OccurrenceCount, 1)
	waitNotified(t, p.notifier)

	events := []string{"delivery-pr", "delivery-ci"}
	for _, id := range events {
		ev, err := p.repo.GetWebhookEventByDeliveryID(ctx, id)
		gt.NoError(t, err)
		gt.Equal(t, ev.Status, model.EventStatusCompleted)
	}

	t.Run("redelivered check run changes nothing", func(t *testing.T) {
		result, err := p.webhook.Ingest(ctx, &model.WebhookDelivery{
			DeliveryID: "delivery-ci",
			Category:   model.CategoryCheckRun,
			Payload:    []byte(`{"action":"completed"}`),
		})
		gt.NoError(t, err)
		gt.Equal(t, result.Outcome, model.IngestDuplicate)
		for _, lane := range model.Lanes {
			gt.Equal(t, p.queue.Len(lane), 0)
		}
	})
}
