package interfaces

import (
	"context"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
)

// EventLedger is the durable, idempotent record of accepted deliveries
type EventLedger interface {
	// CreateWebhookEvent inserts the event unless its delivery ID is already
	// recorded. It returns the stored row and whether this call created it.
	CreateWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (*model.WebhookEvent, bool, error)
	GetWebhookEvent(ctx context.Context, id types.EventID) (*model.WebhookEvent, error)
	GetWebhookEventByDeliveryID(ctx context.Context, deliveryID string) (*model.WebhookEvent, error)

	// ClaimWebhookEvent atomically moves a claimable row to processing. ok is
	// false when the row is not claimable, for example because another
	// worker already won the transition.
	ClaimWebhookEvent(ctx context.Context, id types.EventID, now time.Time) (ev *model.WebhookEvent, ok bool, err error)
	CompleteWebhookEvent(ctx context.Context, id types.EventID, now time.Time) (*model.WebhookEvent, error)
	FailWebhookEvent(ctx context.Context, id types.EventID, msg string, now time.Time, retryAfter *time.Time) (*model.WebhookEvent, error)
	SkipWebhookEvent(ctx context.Context, id types.EventID, now time.Time) (*model.WebhookEvent, error)
	ResetWebhookEvent(ctx context.Context, id types.EventID) (*model.WebhookEvent, error)
	ListRecoverableWebhookEvents(ctx context.Context, q model.RecoveryQuery) ([]*model.WebhookEvent, error)
}

// DeadLetterStore keeps tasks that exhausted their retries
type DeadLetterStore interface {
	PutDeadLetter(ctx context.Context, dl *model.DeadLetter) error
	GetDeadLetter(ctx context.Context, id types.DeadLetterID) (*model.DeadLetter, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error)
	MarkDeadLetterReplayed(ctx context.Context, id types.DeadLetterID, at time.Time) error
}

// PullRequestStore keeps pull requests, their authors and reviews
type PullRequestStore interface {
	PutAuthor(ctx context.Context, author *model.Author) error
	GetAuthor(ctx context.Context, externalID int64) (*model.Author, error)

	// UpdatePullRequest runs fn on the current row (a zero value with
	// exists=false when absent) and writes the result atomically. Returning
	// model.ErrNoChange from fn skips the write.
	UpdatePullRequest(ctx context.Context, key model.PullRequestKey, fn func(pr *model.PullRequest, exists bool) error) (*model.PullRequest, error)
	GetPullRequest(ctx context.Context, key model.PullRequestKey) (*model.PullRequest, error)
	FindPullRequestsByHeadSHA(ctx context.Context, repository, sha string) ([]*model.PullRequest, error)

	PutReview(ctx context.Context, review *model.Review) error
	ListReviews(ctx context.Context, key model.PullRequestKey) ([]*model.Review, error)
	// UpdatePullRequestReviews stores the review and runs fn with the pull
	// request of the review and every review stored for it, the new one
	// included, in one atomic section. Nothing is written when fn fails.
	UpdatePullRequestReviews(ctx context.Context, review *model.Review, fn func(pr *model.PullRequest, exists bool, reviews []*model.Review) error) (*model.PullRequest, error)
}

// TestStore keeps CI runs and their per-test results
type TestStore interface {
	// UpdateTestRun works like UpdatePullRequest for test runs
	UpdateTestRun(ctx context.Context, key model.TestRunKey, fn func(run *model.TestRun, exists bool) error) (*model.TestRun, error)
	GetTestRun(ctx context.Context, id types.TestRunID) (*model.TestRun, error)

	// PutTestResults upserts results by (RunID, TestID)
	PutTestResults(ctx context.Context, results []*model.TestResult) error
	ListTestResults(ctx context.Context, runID types.TestRunID) ([]*model.TestResult, error)
	// ListTestHistory returns the most recent results first
	ListTestHistory(ctx context.Context, q model.TestHistoryQuery) ([]*model.TestResult, error)
}

// AlertStore keeps alert rules and alerts
type AlertStore interface {
	PutAlertRule(ctx context.Context, rule *model.AlertRule) error
	GetAlertRuleByTrigger(ctx context.Context, trigger model.AlertTrigger) (*model.AlertRule, error)

	// UpdateActiveAlert runs fn on the non-resolved alert of the key (nil
	// when there is none) and stores the returned alert atomically. The
	// store keeps at most one non-resolved alert per key.
	UpdateActiveAlert(ctx context.Context, key model.AlertKey, fn func(current *model.Alert) (*model.Alert, error)) (*model.Alert, error)
	ResolveAlert(ctx context.Context, id types.AlertID, at time.Time) error
	ListAlerts(ctx context.Context, q model.AlertQuery) ([]*model.Alert, error)
}

// Repository is the durable store. Get methods return nil without error when
// the entity does not exist.
type Repository interface {
	EventLedger
	DeadLetterStore
	PullRequestStore
	TestStore
	AlertStore
}
