package model_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/gt"
)

func TestWebhookEvent_Claimable(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	tests := []struct {
		name     string
		event    model.WebhookEvent
		expected bool
	}{
		{name: "pending", event: model.WebhookEvent{Status: model.EventStatusPending}, expected: true},
		{name: "failed and due", event: model.WebhookEvent{Status: model.EventStatusFailed, RetryAfter: &past}, expected: true},
		{name: "failed and due now", event: model.WebhookEvent{Status: model.EventStatusFailed, RetryAfter: &now}, expected: true},
		{name: "failed and not yet due", event: model.WebhookEvent{Status: model.EventStatusFailed, RetryAfter: &future}, expected: false},
		{name: "failed and exhausted", event: model.WebhookEvent{Status: model.EventStatusFailed}, expected: false},
		{name: "processing", event: model.WebhookEvent{Status: model.EventStatusProcessing}, expected: false},
		{name: "completed", event: model.WebhookEvent{Status: model.EventStatusCompleted}, expected: false},
		{name: "skipped", event: model.WebhookEvent{Status: model.EventStatusSkipped}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gt.Value(t, tt.event.Claimable(now)).Equal(tt.expected)
		})
	}
}

func TestWebhookEvent_Lifecycle(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := &model.WebhookEvent{Status: model.EventStatusPending}

	ev.MarkProcessing(start)
	gt.Value(t, ev.Status).Equal(model.EventStatusProcessing)

	retryAt := start.Add(4 * time.Second)
	ev.MarkFailed("boom", start.Add(250*time.Millisecond), &retryAt)
	gt.Value(t, ev.Status).Equal(model.EventStatusFailed)
	gt.Number(t, ev.RetryCount).Equal(1)
	gt.Number(t, ev.DurationMS).Equal(250)
	gt.Value(t, ev.ErrorMessage).Equal("boom")

	ev.MarkProcessing(start.Add(5 * time.Second))
	ev.MarkCompleted(start.Add(6 * time.Second))
	gt.Value(t, ev.Status).Equal(model.EventStatusCompleted)
	gt.Number(t, ev.DurationMS).Equal(1000)
	gt.Value(t, ev.ErrorMessage).Equal("")
	gt.Value(t, ev.RetryAfter).Nil()
	gt.Number(t, ev.RetryCount).Equal(1)

	ev.Reset()
	gt.Value(t, ev.Status).Equal(model.EventStatusPending)
	gt.Number(t, ev.RetryCount).Equal(0)
	gt.Value(t, ev.ProcessedAt).Nil()
}
