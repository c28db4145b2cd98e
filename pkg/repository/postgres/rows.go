package postgres

import (
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"gorm.io/datatypes"
)

type webhookEventRow struct {
	ID                  string `gorm:"primaryKey"`
	DeliveryID          string `gorm:"uniqueIndex;not null"`
	Category            string `gorm:"not null"`
	Action              string
	Repository          string
	Payload             []byte
	SignatureVerified   bool
	Status              string `gorm:"index:idx_webhook_events_status,priority:1;not null"`
	Lane                string
	ReceivedAt          time.Time `gorm:"index:idx_webhook_events_status,priority:2"`
	ProcessingStartedAt *time.Time
	ProcessedAt         *time.Time
	DurationMS          int64
	ErrorMessage        string
	RetryCount          int
	RetryAfter          *time.Time
	SourceIP            string
	UserAgent           string
}

func (webhookEventRow) TableName() string { return "webhook_events" }

func newWebhookEventRow(ev *model.WebhookEvent) *webhookEventRow {
	return &webhookEventRow{
		ID:                  ev.ID.String(),
		DeliveryID:          ev.DeliveryID,
		Category:            string(ev.Category),
		Action:              ev.Action,
		Repository:          ev.Repository,
		Payload:             ev.Payload,
		SignatureVerified:   ev.SignatureVerified,
		Status:              string(ev.Status),
		Lane:                string(ev.Lane),
		ReceivedAt:          ev.ReceivedAt,
		ProcessingStartedAt: ev.ProcessingStartedAt,
		ProcessedAt:         ev.ProcessedAt,
		DurationMS:          ev.DurationMS,
		ErrorMessage:        ev.ErrorMessage,
		RetryCount:          ev.RetryCount,
		RetryAfter:          ev.RetryAfter,
		SourceIP:            ev.SourceIP,
		UserAgent:           ev.UserAgent,
	}
}

func (x *webhookEventRow) toModel() *model.WebhookEvent {
	return &model.WebhookEvent{
		ID:                  types.EventID(x.ID),
		DeliveryID:          x.DeliveryID,
		Category:            model.EventCategory(x.Category),
		Action:              x.Action,
		Repository:          x.Repository,
		Payload:             x.Payload,
		SignatureVerified:   x.SignatureVerified,
		Status:              model.EventStatus(x.Status),
		Lane:                model.Lane(x.Lane),
		ReceivedAt:          x.ReceivedAt,
		ProcessingStartedAt: x.ProcessingStartedAt,
		ProcessedAt:         x.ProcessedAt,
		DurationMS:          x.DurationMS,
		ErrorMessage:        x.ErrorMessage,
		RetryCount:          x.RetryCount,
		RetryAfter:          x.RetryAfter,
		SourceIP:            x.SourceIP,
		UserAgent:           x.UserAgent,
	}
}

type deadLetterRow struct {
	ID           string                         `gorm:"primaryKey"`
	Task         datatypes.JSONType[model.Task] `gorm:"not null"`
	Repository   string
	Attempts     int
	ErrorMessage string
	FailedAt     time.Time `gorm:"index"`
	ReplayedAt   *time.Time
}

func (deadLetterRow) TableName() string { return "dead_letters" }

func newDeadLetterRow(dl *model.DeadLetter) *deadLetterRow {
	return &deadLetterRow{
		ID:           dl.ID.String(),
		Task:         datatypes.NewJSONType(dl.Task),
		Repository:   dl.Repository,
		Attempts:     dl.Attempts,
		ErrorMessage: dl.ErrorMessage,
		FailedAt:     dl.FailedAt,
		ReplayedAt:   dl.ReplayedAt,
	}
}

func (x *deadLetterRow) toModel() *model.DeadLetter {
	return &model.DeadLetter{
		ID:           types.DeadLetterID(x.ID),
		Task:         x.Task.Data(),
		Repository:   x.Repository,
		Attempts:     x.Attempts,
		ErrorMessage: x.ErrorMessage,
		FailedAt:     x.FailedAt,
		ReplayedAt:   x.ReplayedAt,
	}
}

type authorRow struct {
	ExternalID int64 `gorm:"primaryKey;autoIncrement:false"`
	Login      string
	Name       string
	Email      string
	AvatarURL  string
	Type       string
	FirstSeen  time.Time
	LastSeen   time.Time
}

func (authorRow) TableName() string { return "authors" }

type pullRequestRow struct {
	Repository   string `gorm:"primaryKey"`
	Number       int    `gorm:"primaryKey;autoIncrement:false"`
	ExternalID   int64
	Title        string
	State        string
	Draft        bool
	AuthorID     int64
	AuthorLogin  string
	HeadRef      string
	HeadSHA      string `gorm:"index"`
	BaseRef      string
	Additions    int
	Deletions    int
	ChangedFiles int
	Commits      int

	CIStatus        string
	TotalTests      int
	PassedTests     int
	FailedTests     int
	SkippedTests    int
	LatestTestRunID string
	LastCIAt        *time.Time

	OpenedAt        time.Time
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
	ClosedAt        *time.Time
	MergedAt        *time.Time
	FirstCommitAt   *time.Time
	FirstReviewAt   *time.Time
	FirstApprovalAt *time.Time
	LastActivityAt  time.Time

	ReviewCount   int
	ApprovalCount int

	CycleTimeSeconds         *int64
	TimeToFirstReviewSeconds *int64
	TimeToApprovalSeconds    *int64
	TimeToMergeSeconds       *int64
	IsStale                  bool
}

func (pullRequestRow) TableName() string { return "pull_requests" }

func newPullRequestRow(pr *model.PullRequest) *pullRequestRow {
	return &pullRequestRow{
		Repository:               pr.Repository,
		Number:                   pr.Number,
		ExternalID:               pr.ExternalID,
		Title:                    pr.Title,
		State:                    string(pr.State),
		Draft:                    pr.Draft,
		AuthorID:                 pr.AuthorID,
		AuthorLogin:              pr.AuthorLogin,
		HeadRef:                  pr.HeadRef,
		HeadSHA:                  pr.HeadSHA,
		BaseRef:                  pr.BaseRef,
		Additions:                pr.Additions,
		Deletions:                pr.Deletions,
		ChangedFiles:             pr.ChangedFiles,
		Commits:                  pr.Commits,
		CIStatus:                 string(pr.CIStatus),
		TotalTests:               pr.TotalTests,
		PassedTests:              pr.PassedTests,
		FailedTests:              pr.FailedTests,
		SkippedTests:             pr.SkippedTests,
		LatestTestRunID:          pr.LatestTestRunID.String(),
		LastCIAt:                 pr.LastCIAt,
		OpenedAt:                 pr.OpenedAt,
		UpdatedAt:                pr.UpdatedAt,
		ClosedAt:                 pr.ClosedAt,
		MergedAt:                 pr.MergedAt,
		FirstCommitAt:            pr.FirstCommitAt,
		FirstReviewAt:            pr.FirstReviewAt,
		FirstApprovalAt:          pr.FirstApprovalAt,
		LastActivityAt:           pr.LastActivityAt,
		ReviewCount:              pr.ReviewCount,
		ApprovalCount:            pr.ApprovalCount,
		CycleTimeSeconds:         pr.CycleTimeSeconds,
		TimeToFirstReviewSeconds: pr.TimeToFirstReviewSeconds,
		TimeToApprovalSeconds:    pr.TimeToApprovalSeconds,
		TimeToMergeSeconds:       pr.TimeToMergeSeconds,
		IsStale:                  pr.IsStale,
	}
}

func (x *pullRequestRow) toModel() *model.PullRequest {
	return &model.PullRequest{
		Repository:               x.Repository,
		Number:                   x.Number,
		ExternalID:               x.ExternalID,
		Title:                    x.Title,
		State:                    model.PullRequestState(x.State),
		Draft:                    x.Draft,
		AuthorID:                 x.AuthorID,
		AuthorLogin:              x.AuthorLogin,
		HeadRef:                  x.HeadRef,
		HeadSHA:                  x.HeadSHA,
		BaseRef:                  x.BaseRef,
		Additions:                x.Additions,
		Deletions:                x.Deletions,
		ChangedFiles:             x.ChangedFiles,
		Commits:                  x.Commits,
		CIStatus:                 model.CIStatus(x.CIStatus),
		TotalTests:               x.TotalTests,
		PassedTests:              x.PassedTests,
		FailedTests:              x.FailedTests,
		SkippedTests:             x.SkippedTests,
		LatestTestRunID:          types.TestRunID(x.LatestTestRunID),
		LastCIAt:                 x.LastCIAt,
		OpenedAt:                 x.OpenedAt,
		UpdatedAt:                x.UpdatedAt,
		ClosedAt:                 x.ClosedAt,
		MergedAt:                 x.MergedAt,
		FirstCommitAt:            x.FirstCommitAt,
		FirstReviewAt:            x.FirstReviewAt,
		FirstApprovalAt:          x.FirstApprovalAt,
		LastActivityAt:           x.LastActivityAt,
		ReviewCount:              x.ReviewCount,
		ApprovalCount:            x.ApprovalCount,
		CycleTimeSeconds:         x.CycleTimeSeconds,
		TimeToFirstReviewSeconds: x.TimeToFirstReviewSeconds,
		TimeToApprovalSeconds:    x.TimeToApprovalSeconds,
		TimeToMergeSeconds:       x.TimeToMergeSeconds,
		IsStale:                  x.IsStale,
	}
}

type reviewRow struct {
	ExternalID    int64  `gorm:"primaryKey;autoIncrement:false"`
	Repository    string `gorm:"index:idx_reviews_pull_request,priority:1"`
	PullRequest   int    `gorm:"index:idx_reviews_pull_request,priority:2"`
	ReviewerID    int64
	ReviewerLogin string
	State         string
	SubmittedAt   time.Time
}

func (reviewRow) TableName() string { return "reviews" }

func newReviewRow(review *model.Review) *reviewRow {
	return &reviewRow{
		ExternalID:    review.ExternalID,
		Repository:    review.Repository,
		PullRequest:   review.PullRequest,
		ReviewerID:    review.ReviewerID,
		ReviewerLogin: review.ReviewerLogin,
		State:         string(review.State),
		SubmittedAt:   review.SubmittedAt,
	}
}

func (x *reviewRow) toModel() *model.Review {
	return &model.Review{
		ExternalID:    x.ExternalID,
		Repository:    x.Repository,
		PullRequest:   x.PullRequest,
		ReviewerID:    x.ReviewerID,
		ReviewerLogin: x.ReviewerLogin,
		State:         model.ReviewState(x.State),
		SubmittedAt:   x.SubmittedAt,
	}
}

type testRunRow struct {
	ID             string `gorm:"primaryKey"`
	Repository     string `gorm:"uniqueIndex:idx_test_runs_key,priority:1;not null"`
	ExternalID     string `gorm:"uniqueIndex:idx_test_runs_key,priority:2;not null"`
	Provider       string `gorm:"uniqueIndex:idx_test_runs_key,priority:3;not null"`
	PullRequest    *int
	HeadSHA        string
	HeadBranch     string
	Name           string
	Status         string
	Conclusion     string
	Total          int
	Passed         int
	Failed         int
	Skipped        int
	Flaky          int
	LineCoverage   *float64
	BranchCoverage *float64
	StartedAt      *time.Time
	CompletedAt    *time.Time
	DurationMS     int64
	FlakyTests     datatypes.JSONSlice[model.FlakyTest]
	AnalyzedAt     *time.Time
}

func (testRunRow) TableName() string { return "test_runs" }

func newTestRunRow(run *model.TestRun) *testRunRow {
	return &testRunRow{
		ID:             run.ID.String(),
		Repository:     run.Repository,
		ExternalID:     run.ExternalID,
		Provider:       string(run.Provider),
		PullRequest:    run.PullRequest,
		HeadSHA:        run.HeadSHA,
		HeadBranch:     run.HeadBranch,
		Name:           run.Name,
		Status:         run.Status,
		Conclusion:     run.Conclusion,
		Total:          run.Total,
		Passed:         run.Passed,
		Failed:         run.Failed,
		Skipped:        run.Skipped,
		Flaky:          run.Flaky,
		LineCoverage:   run.LineCoverage,
		BranchCoverage: run.BranchCoverage,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
		DurationMS:     run.DurationMS,
		FlakyTests:     datatypes.NewJSONSlice(run.FlakyTests),
		AnalyzedAt:     run.AnalyzedAt,
	}
}

func (x *testRunRow) toModel() *model.TestRun {
	return &model.TestRun{
		ID:             types.TestRunID(x.ID),
		Repository:     x.Repository,
		ExternalID:     x.ExternalID,
		Provider:       model.CIProvider(x.Provider),
		PullRequest:    x.PullRequest,
		HeadSHA:        x.HeadSHA,
		HeadBranch:     x.HeadBranch,
		Name:           x.Name,
		Status:         x.Status,
		Conclusion:     x.Conclusion,
		Total:          x.Total,
		Passed:         x.Passed,
		Failed:         x.Failed,
		Skipped:        x.Skipped,
		Flaky:          x.Flaky,
		LineCoverage:   x.LineCoverage,
		BranchCoverage: x.BranchCoverage,
		StartedAt:      x.StartedAt,
		CompletedAt:    x.CompletedAt,
		DurationMS:     x.DurationMS,
		FlakyTests:     []model.FlakyTest(x.FlakyTests),
		AnalyzedAt:     x.AnalyzedAt,
	}
}

type testResultRow struct {
	RunID          string `gorm:"primaryKey"`
	TestID         string `gorm:"primaryKey;index:idx_test_history,priority:2"`
	Repository     string `gorm:"index:idx_test_history,priority:1"`
	File           string
	Class          string
	Name           string
	Status         string
	DurationMS     int64
	FailureMessage string
	Flaky          bool
	RetryCount     int
	ObservedAt     time.Time `gorm:"index:idx_test_history,priority:3,sort:desc"`
}

func (testResultRow) TableName() string { return "test_results" }

type alertRuleRow struct {
	ID              string `gorm:"primaryKey"`
	Name            string
	Trigger         string `gorm:"uniqueIndex;not null"`
	Enabled         bool
	CooldownMinutes int
	DailyCap        int
	Channels        datatypes.JSONSlice[string]
}

func (alertRuleRow) TableName() string { return "alert_rules" }

type alertRow struct {
	ID              string `gorm:"primaryKey"`
	RuleID          string `gorm:"not null"`
	Type            string
	Severity        string
	Title           string
	Message         string
	Context         datatypes.JSONMap
	Status          string `gorm:"index;not null"`
	Fingerprint     string `gorm:"not null"`
	OccurrenceCount int
	Repository      string `gorm:"index"`
	PullRequest     int
	LastRunID       string
	FirstSeen       time.Time
	LastSeen        time.Time
	ResolvedAt      *time.Time
}

func (alertRow) TableName() string { return "alerts" }

func newAlertRow(a *model.Alert) *alertRow {
	return &alertRow{
		ID:              a.ID.String(),
		RuleID:          a.RuleID,
		Type:            string(a.Type),
		Severity:        string(a.Severity),
		Title:           a.Title,
		Message:         a.Message,
		Context:         datatypes.JSONMap(a.Context),
		Status:          string(a.Status),
		Fingerprint:     a.Fingerprint,
		OccurrenceCount: a.OccurrenceCount,
		Repository:      a.Repository,
		PullRequest:     a.PullRequest,
		LastRunID:       a.LastRunID.String(),
		FirstSeen:       a.FirstSeen,
		LastSeen:        a.LastSeen,
		ResolvedAt:      a.ResolvedAt,
	}
}

func (x *alertRow) toModel() *model.Alert {
	return &model.Alert{
		ID:              types.AlertID(x.ID),
		RuleID:          x.RuleID,
		Type:            model.AlertTrigger(x.Type),
		Severity:        model.AlertSeverity(x.Severity),
		Title:           x.Title,
		Message:         x.Message,
		Context:         map[string]any(x.Context),
		Status:          model.AlertStatus(x.Status),
		Fingerprint:     x.Fingerprint,
		OccurrenceCount: x.OccurrenceCount,
		Repository:      x.Repository,
		PullRequest:     x.PullRequest,
		LastRunID:       types.TestRunID(x.LastRunID),
		FirstSeen:       x.FirstSeen,
		LastSeen:        x.LastSeen,
		ResolvedAt:      x.ResolvedAt,
	}
}
