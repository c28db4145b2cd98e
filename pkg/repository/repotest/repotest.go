// Package repotest holds the behavior every interfaces.Repository backend must
// share. Backend packages run it from their own tests.
package repotest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/gt"
)

// Run executes the shared repository tests. Every test uses its own random
// repository name and IDs so backends may share one database across runs.
func Run(t *testing.T, repo interfaces.Repository) {
	t.Run("ledger", func(t *testing.T) { testLedger(t, repo) })
	t.Run("concurrent claim", func(t *testing.T) { testConcurrentClaim(t, repo) })
	t.Run("recoverable events", func(t *testing.T) { testRecoverable(t, repo) })
	t.Run("dead letters", func(t *testing.T) { testDeadLetters(t, repo) })
	t.Run("pull requests", func(t *testing.T) { testPullRequests(t, repo) })
	t.Run("reviews and authors", func(t *testing.T) { testReviews(t, repo) })
	t.Run("test runs and results", func(t *testing.T) { testRuns(t, repo) })
	t.Run("alerts", func(t *testing.T) { testAlerts(t, repo) })
}

// now is truncated to microseconds, the precision every backend keeps
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func repoName() string {
	return "test-org/" + uuid.NewString()
}

func newEvent(received time.Time) *model.WebhookEvent {
	return &model.WebhookEvent{
		ID:                types.NewEventID(),
		DeliveryID:        uuid.NewString(),
		Category:          model.CategoryPullRequest,
		Action:            "opened",
		Repository:        repoName(),
		Payload:           []byte(`{"action":"opened"}`),
		SignatureVerified: true,
		Status:            model.EventStatusPending,
		Lane:              model.LaneHigh,
		ReceivedAt:        received,
		SourceIP:          "192.0.2.1",
		UserAgent:         "GitHub-Hookshot/test",
	}
}

func testLedger(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()
	ts := now()
	ev := newEvent(ts)

	stored, created, err := repo.CreateWebhookEvent(ctx, ev)
	gt.NoError(t, err)
	gt.True(t, created)
	gt.Value(t, stored.ID).Equal(ev.ID)

	dup := newEvent(ts)
	dup.DeliveryID = ev.DeliveryID
	original, created, err := repo.CreateWebhookEvent(ctx, dup)
	gt.NoError(t, err)
	gt.False(t, created)
	gt.Value(t, original.ID).Equal(ev.ID)

	got, err := repo.GetWebhookEventByDeliveryID(ctx, ev.DeliveryID)
	gt.NoError(t, err)
	gt.Value(t, got.ID).Equal(ev.ID)
	gt.Value(t, string(got.Payload)).Equal(string(ev.Payload))
	gt.Value(t, got.Status).Equal(model.EventStatusPending)

	missing, err := repo.GetWebhookEvent(ctx, types.NewEventID())
	gt.NoError(t, err)
	gt.Value(t, missing).Nil()

	claimed, ok, err := repo.ClaimWebhookEvent(ctx, ev.ID, ts)
	gt.NoError(t, err)
	gt.True(t, ok)
	gt.Value(t, claimed.Status).Equal(model.EventStatusProcessing)

	_, ok, err = repo.ClaimWebhookEvent(ctx, ev.ID, ts)
	gt.NoError(t, err)
	gt.False(t, ok)

	retryAt := ts.Add(time.Minute)
	failed, err := repo.FailWebhookEvent(ctx, ev.ID, "boom", ts.Add(time.Second), &retryAt)
	gt.NoError(t, err)
	gt.Value(t, failed.Status).Equal(model.EventStatusFailed)
	gt.Number(t, failed.RetryCount).Equal(1)
	gt.Value(t, failed.ErrorMessage).Equal("boom")

	// not yet due
	_, ok, err = repo.ClaimWebhookEvent(ctx, ev.ID, ts.Add(30*time.Second))
	gt.NoError(t, err)
	gt.False(t, ok)

	_, ok, err = repo.ClaimWebhookEvent(ctx, ev.ID, ts.Add(2*time.Minute))
	gt.NoError(t, err)
	gt.True(t, ok)

	completed, err := repo.CompleteWebhookEvent(ctx, ev.ID, ts.Add(2*time.Minute+time.Second))
	gt.NoError(t, err)
	gt.Value(t, completed.Status).Equal(model.EventStatusCompleted)
	gt.Number(t, completed.DurationMS).Equal(1000)
	gt.Value(t, completed.RetryAfter).Nil()

	reset, err := repo.ResetWebhookEvent(ctx, ev.ID)
	gt.NoError(t, err)
	gt.Value(t, reset.Status).Equal(model.EventStatusPending)
	gt.Number(t, reset.RetryCount).Equal(0)

	skipped := newEvent(ts)
	_, _, err = repo.CreateWebhookEvent(ctx, skipped)
	gt.NoError(t, err)
	got, err = repo.SkipWebhookEvent(ctx, skipped.ID, ts)
	gt.NoError(t, err)
	gt.Value(t, got.Status).Equal(model.EventStatusSkipped)
}

func testConcurrentClaim(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()
	ts := now()
	ev := newEvent(ts)
	_, _, err := repo.CreateWebhookEvent(ctx, ev)
	gt.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := repo.ClaimWebhookEvent(ctx, ev.ID, ts)
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	gt.Number(t, wins.Load()).Equal(1)
}

func testRecoverable(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()
	ts := now()

	stalePending := newEvent(ts.Add(-time.Hour))
	freshPending := newEvent(ts)
	dueFailed := newEvent(ts.Add(-time.Hour))
	exhausted := newEvent(ts.Add(-time.Hour))
	abandoned := newEvent(ts.Add(-time.Hour))
	for _, ev := range []*model.WebhookEvent{stalePending, freshPending, dueFailed, exhausted, abandoned} {
		_, _, err := repo.CreateWebhookEvent(ctx, ev)
		gt.NoError(t, err)
	}

	due := ts.Add(-10 * time.Minute)
	_, _, err := repo.ClaimWebhookEvent(ctx, dueFailed.ID, ts.Add(-time.Hour))
	gt.NoError(t, err)
	_, err = repo.FailWebhookEvent(ctx, dueFailed.ID, "boom", ts.Add(-time.Hour), &due)
	gt.NoError(t, err)

	_, _, err = repo.ClaimWebhookEvent(ctx, exhausted.ID, ts.Add(-time.Hour))
	gt.NoError(t, err)
	_, err = repo.FailWebhookEvent(ctx, exhausted.ID, "boom", ts.Add(-time.Hour), nil)
	gt.NoError(t, err)

	_, _, err = repo.ClaimWebhookEvent(ctx, abandoned.ID, ts.Add(-time.Hour))
	gt.NoError(t, err)

	found, err := repo.ListRecoverableWebhookEvents(ctx, model.RecoveryQuery{
		PendingBefore:    ts.Add(-5 * time.Minute),
		RetryDueBefore:   ts.Add(-5 * time.Minute),
		ProcessingBefore: ts.Add(-5 * time.Minute),
		Limit:            1000,
	})
	gt.NoError(t, err)

	ids := map[types.EventID]bool{}
	for _, ev := range found {
		ids[ev.ID] = true
	}
	gt.True(t, ids[stalePending.ID])
	gt.True(t, ids[dueFailed.ID])
	gt.True(t, ids[abandoned.ID])
	gt.False(t, ids[freshPending.ID])
	gt.False(t, ids[exhausted.ID])
}

func testDeadLetters(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()
	ts := now()

	dl := &model.DeadLetter{
		ID:           types.NewDeadLetterID(),
		Task:         model.Task{ID: types.NewTaskID(), Kind: model.TaskProcessEvent, Lane: model.LaneDefault, EventID: types.NewEventID(), Attempt: 3, EnqueuedAt: ts},
		Repository:   repoName(),
		Attempts:     4,
		ErrorMessage: "boom",
		FailedAt:     ts,
	}
	gt.NoError(t, repo.PutDeadLetter(ctx, dl))

	got, err := repo.GetDeadLetter(ctx, dl.ID)
	gt.NoError(t, err)
	gt.Value(t, got.Task.EventID).Equal(dl.Task.EventID)
	gt.Number(t, got.Attempts).Equal(4)
	gt.Value(t, got.ReplayedAt).Nil()

	gt.NoError(t, repo.MarkDeadLetterReplayed(ctx, dl.ID, ts.Add(time.Minute)))
	got, err = repo.GetDeadLetter(ctx, dl.ID)
	gt.NoError(t, err)
	gt.Value(t, got.ReplayedAt).NotNil()

	list, err := repo.ListDeadLetters(ctx, 1000)
	gt.NoError(t, err)
	gt.Number(t, len(list)).GreaterOrEqual(1)

	missing, err := repo.GetDeadLetter(ctx, types.NewDeadLetterID())
	gt.NoError(t, err)
	gt.Value(t, missing).Nil()
}

func testPullRequests(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()
	ts := now()
	key := model.PullRequestKey{Repository: repoName(), Number: 7}

	// ErrNoChange on a missing row writes nothing
	got, err := repo.UpdatePullRequest(ctx, key, func(pr *model.PullRequest, exists bool) error {
		gt.False(t, exists)
		return model.ErrNoChange
	})
	gt.NoError(t, err)
	gt.Value(t, got).Nil()

	created, err := repo.UpdatePullRequest(ctx, key, func(pr *model.PullRequest, exists bool) error {
		gt.False(t, exists)
		pr.Apply(&model.PullRequestObservation{
			Repository: key.Repository,
			Number:     key.Number,
			Title:      "first",
			State:      "open",
			HeadSHA:    "sha-1",
			CreatedAt:  ts,
			UpdatedAt:  ts,
		}, ts)
		return nil
	})
	gt.NoError(t, err)
	gt.Value(t, created.Title).Equal("first")

	updated, err := repo.UpdatePullRequest(ctx, key, func(pr *model.PullRequest, exists bool) error {
		gt.True(t, exists)
		gt.Value(t, pr.Title).Equal("first")
		pr.Title = "second"
		return nil
	})
	gt.NoError(t, err)
	gt.Value(t, updated.Title).Equal("second")

	unchanged, err := repo.UpdatePullRequest(ctx, key, func(pr *model.PullRequest, exists bool) error {
		pr.Title = "discarded"
		return model.ErrNoChange
	})
	gt.NoError(t, err)
	gt.Value(t, unchanged.Title).Equal("second")

	stored, err := repo.GetPullRequest(ctx, key)
	gt.NoError(t, err)
	gt.Value(t, stored.Title).Equal("second")
	gt.Value(t, stored.OpenedAt.Equal(ts)).Equal(true)

	found, err := repo.FindPullRequestsByHeadSHA(ctx, key.Repository, "sha-1")
	gt.NoError(t, err)
	gt.A(t, found).Length(1)

	none, err := repo.FindPullRequestsByHeadSHA(ctx, key.Repository, "sha-unknown")
	gt.NoError(t, err)
	gt.A(t, none).Length(0)

	missing, err := repo.GetPullRequest(ctx, model.PullRequestKey{Repository: key.Repository, Number: 8})
	gt.NoError(t, err)
	gt.Value(t, missing).Nil()
}

func testReviews(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()
	ts := now()
	key := model.PullRequestKey{Repository: repoName(), Number: 3}
	reviewID := time.Now().UnixNano()

	review := &model.Review{
		ExternalID:    reviewID,
		Repository:    key.Repository,
		PullRequest:   key.Number,
		ReviewerID:    11,
		ReviewerLogin: "bob",
		State:         model.ReviewCommented,
		SubmittedAt:   ts,
	}
	gt.NoError(t, repo.PutReview(ctx, review))

	review.State = model.ReviewApproved
	gt.NoError(t, repo.PutReview(ctx, review))

	reviews, err := repo.ListReviews(ctx, key)
	gt.NoError(t, err)
	gt.A(t, reviews).Length(1)
	gt.Value(t, reviews[0].State).Equal(model.ReviewApproved)

	_, err = repo.UpdatePullRequest(ctx, key, func(pr *model.PullRequest, exists bool) error {
		pr.Repository = key.Repository
		pr.Number = key.Number
		pr.State = model.PullRequestOpen
		return nil
	})
	gt.NoError(t, err)

	second := &model.Review{
		ExternalID:    reviewID + 1,
		Repository:    key.Repository,
		PullRequest:   key.Number,
		ReviewerID:    12,
		ReviewerLogin: "dave",
		State:         model.ReviewChangesRequested,
		SubmittedAt:   ts.Add(time.Minute),
	}
	var seen []*model.Review
	pr, err := repo.UpdatePullRequestReviews(ctx, second, func(pr *model.PullRequest, exists bool, reviews []*model.Review) error {
		gt.True(t, exists)
		seen = reviews
		pr.ReviewCount = len(reviews)
		return nil
	})
	gt.NoError(t, err)
	gt.A(t, seen).Length(2)
	gt.Value(t, seen[1].ExternalID).Equal(second.ExternalID)
	gt.Value(t, pr.ReviewCount).Equal(2)

	third := *second
	third.ExternalID = reviewID + 2
	_, err = repo.UpdatePullRequestReviews(ctx, &third, func(pr *model.PullRequest, exists bool, reviews []*model.Review) error {
		return errors.New("rejected")
	})
	gt.Error(t, err)
	reviews, err = repo.ListReviews(ctx, key)
	gt.NoError(t, err)
	gt.A(t, reviews).Length(2)

	stored, err := repo.GetPullRequest(ctx, key)
	gt.NoError(t, err)
	gt.Value(t, stored.ReviewCount).Equal(2)

	authorID := time.Now().UnixNano()
	gt.NoError(t, repo.PutAuthor(ctx, &model.Author{ExternalID: authorID, Login: "carol", FirstSeen: ts, LastSeen: ts}))
	author, err := repo.GetAuthor(ctx, authorID)
	gt.NoError(t, err)
	gt.Value(t, author.Login).Equal("carol")

	missing, err := repo.GetAuthor(ctx, authorID+1)
	gt.NoError(t, err)
	gt.Value(t, missing).Nil()
}

func testRuns(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()
	ts := now()
	repository := repoName()
	key := model.TestRunKey{Repository: repository, ExternalID: "1001", Provider: model.ProviderCheckRun}

	run, err := repo.UpdateTestRun(ctx, key, func(run *model.TestRun, exists bool) error {
		gt.False(t, exists)
		run.Apply(&model.CIRunObservation{
			Repository:  repository,
			Provider:    model.ProviderCheckRun,
			ExternalID:  "1001",
			Name:        "unit",
			Status:      "completed",
			Conclusion:  "failure",
			HeadSHA:     "sha-1",
			CompletedAt: &ts,
			Report:      &model.TestReport{Total: 2, Passed: 1, Failed: 1},
		})
		return nil
	})
	gt.NoError(t, err)
	gt.Value(t, run.ID).Equal(key.ID())

	_, err = repo.UpdateTestRun(ctx, key, func(run *model.TestRun, exists bool) error {
		gt.True(t, exists)
		run.ApplyFlakiness([]model.FlakyTest{{TestID: "a::S::T", Name: "T", FailureRate: 25, TotalRuns: 8, RecentFailures: 2, Confidence: 0.6}}, ts)
		return nil
	})
	gt.NoError(t, err)

	stored, err := repo.GetTestRun(ctx, key.ID())
	gt.NoError(t, err)
	gt.Number(t, stored.Failed).Equal(1)
	gt.Number(t, stored.Flaky).Equal(1)
	gt.A(t, stored.FlakyTests).Length(1)
	gt.Value(t, stored.FlakyTests[0].TestID).Equal("a::S::T")

	results := []*model.TestResult{
		{RunID: run.ID, Repository: repository, TestID: "a::S::T", File: "a", Class: "S", Name: "T", Status: model.TestFailed, ObservedAt: ts},
		{RunID: run.ID, Repository: repository, TestID: "a::S::U", File: "a", Class: "S", Name: "U", Status: model.TestPassed, ObservedAt: ts},
	}
	gt.NoError(t, repo.PutTestResults(ctx, results))
	// a re-delivery overwrites instead of duplicating
	gt.NoError(t, repo.PutTestResults(ctx, results))

	listed, err := repo.ListTestResults(ctx, run.ID)
	gt.NoError(t, err)
	gt.A(t, listed).Length(2)

	for i := 0; i < 4; i++ {
		prior := model.TestRunKey{Repository: repository, ExternalID: uuid.NewString(), Provider: model.ProviderCheckRun}
		status := model.TestPassed
		if i%2 == 0 {
			status = model.TestFailed
		}
		gt.NoError(t, repo.PutTestResults(ctx, []*model.TestResult{{
			RunID: prior.ID(), Repository: repository, TestID: "a::S::T", File: "a", Class: "S", Name: "T",
			Status: status, ObservedAt: ts.Add(-time.Duration(i+1) * time.Hour),
		}}))
	}
	old := model.TestRunKey{Repository: repository, ExternalID: uuid.NewString(), Provider: model.ProviderCheckRun}
	gt.NoError(t, repo.PutTestResults(ctx, []*model.TestResult{{
		RunID: old.ID(), Repository: repository, TestID: "a::S::T", Status: model.TestFailed, ObservedAt: ts.Add(-40 * 24 * time.Hour),
	}}))

	history, err := repo.ListTestHistory(ctx, model.TestHistoryQuery{
		Repository:   repository,
		TestID:       "a::S::T",
		Since:        ts.Add(-30 * 24 * time.Hour),
		ExcludeRunID: run.ID,
		Limit:        3,
	})
	gt.NoError(t, err)
	gt.A(t, history).Length(3)
	gt.Value(t, history[0].ObservedAt.Equal(ts.Add(-time.Hour))).Equal(true)
	for _, h := range history {
		gt.Value(t, h.RunID).NotEqual(run.ID)
	}

	all, err := repo.ListTestHistory(ctx, model.TestHistoryQuery{
		Repository:   repository,
		TestID:       "a::S::T",
		Since:        ts.Add(-30 * 24 * time.Hour),
		ExcludeRunID: run.ID,
		Limit:        50,
	})
	gt.NoError(t, err)
	gt.A(t, all).Length(4)
}

func testAlerts(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()
	ts := now()

	rule := &model.AlertRule{
		ID:              "flaky-" + uuid.NewString(),
		Name:            "flaky",
		Trigger:         model.AlertTrigger("test_" + uuid.NewString()),
		Enabled:         true,
		CooldownMinutes: 30,
		DailyCap:        5,
		Channels:        []string{"log", "slack"},
	}
	gt.NoError(t, repo.PutAlertRule(ctx, rule))
	gotRule, err := repo.GetAlertRuleByTrigger(ctx, rule.Trigger)
	gt.NoError(t, err)
	gt.Value(t, gotRule.ID).Equal(rule.ID)
	gt.A(t, gotRule.Channels).Length(2)

	noRule, err := repo.GetAlertRuleByTrigger(ctx, model.AlertTrigger("unknown_"+uuid.NewString()))
	gt.NoError(t, err)
	gt.Value(t, noRule).Nil()

	repository := repoName()
	key := model.AlertKey{RuleID: rule.ID, Repository: repository, PullRequest: 5, Fingerprint: model.Fingerprint(repository, "S", "T")}
	finding := &model.FlakyTest{TestID: "a::S::T", Class: "S", Name: "T", FailureRate: 40, TotalRuns: 20, RecentFailures: 8, Confidence: 0.9}

	upsert := func(runID types.TestRunID) *model.Alert {
		a, err := repo.UpdateActiveAlert(ctx, key, func(current *model.Alert) (*model.Alert, error) {
			if current == nil {
				return model.NewFlakyTestAlert(rule, key, finding, runID, model.SeverityHigh, ts), nil
			}
			if !current.Recur(finding, runID, ts) {
				return nil, model.ErrNoChange
			}
			return current, nil
		})
		gt.NoError(t, err)
		return a
	}

	first := upsert("tr_1")
	gt.Number(t, first.OccurrenceCount).Equal(1)

	second := upsert("tr_2")
	gt.Value(t, second.ID).Equal(first.ID)
	gt.Number(t, second.OccurrenceCount).Equal(2)
	gt.Value(t, second.Context["run_id"]).Equal(any("tr_2"))

	same := upsert("tr_2")
	gt.Number(t, same.OccurrenceCount).Equal(2)

	gt.NoError(t, repo.ResolveAlert(ctx, first.ID, ts))

	reopened := upsert("tr_3")
	gt.Value(t, reopened.ID).NotEqual(first.ID)
	gt.Number(t, reopened.OccurrenceCount).Equal(1)

	active, err := repo.ListAlerts(ctx, model.AlertQuery{Repository: repository, Status: model.AlertActive})
	gt.NoError(t, err)
	gt.A(t, active).Length(1)

	all, err := repo.ListAlerts(ctx, model.AlertQuery{Repository: repository})
	gt.NoError(t, err)
	gt.A(t, all).Length(2)
}
