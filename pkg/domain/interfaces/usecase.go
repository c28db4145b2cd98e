package interfaces

import (
	"context"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
)

// WebhookUseCase ingests authenticated deliveries into the ledger
type WebhookUseCase interface {
	Ingest(ctx context.Context, delivery *model.WebhookDelivery) (*model.IngestResult, error)
}

// Dispatcher routes work onto queue lanes
type Dispatcher interface {
	DispatchEvent(ctx context.Context, ev *model.WebhookEvent) error
	DispatchAnalysis(ctx context.Context, runID types.TestRunID) error
}

// EventProcessor runs the processing variant of one ledger row
type EventProcessor interface {
	Process(ctx context.Context, ev *model.WebhookEvent) error
}

// PullRequestUseCase maintains pull requests, reviews and their metrics
type PullRequestUseCase interface {
	ApplyPullRequest(ctx context.Context, obs *model.PullRequestObservation) (*model.PullRequest, error)
	ApplyReview(ctx context.Context, obs *model.PullRequestObservation, review *model.Review) (*model.PullRequest, error)
	ApplyCommitStatus(ctx context.Context, obs *model.CommitStatusObservation) ([]*model.PullRequest, error)
}

// CIUseCase maintains test runs and results from completed CI executions
type CIUseCase interface {
	ApplyCIRun(ctx context.Context, obs *model.CIRunObservation) (*model.TestRun, error)
}

// FlakinessUseCase analyzes a failing test run
type FlakinessUseCase interface {
	AnalyzeTestRun(ctx context.Context, runID types.TestRunID) ([]model.FlakyTest, error)
}

// AlertUseCase turns findings into deduplicated alerts
type AlertUseCase interface {
	RaiseFlakyTest(ctx context.Context, run *model.TestRun, finding *model.FlakyTest) (*model.Alert, error)
}
