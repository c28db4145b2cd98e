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

type flakinessUseCase struct {
	repo   interfaces.TestStore
	alerts interfaces.AlertUseCase
	cfg    model.FlakinessConfig
}

// NewFlakiness creates a new instance of FlakinessUseCase
func NewFlakiness(repo interfaces.TestStore, alerts interfaces.AlertUseCase, cfg model.FlakinessConfig) interfaces.FlakinessUseCase {
	return &flakinessUseCase{
		repo:   repo,
		alerts: alerts,
		cfg:    cfg,
	}
}

// AnalyzeTestRun classifies every failed result of the run against the
// history of its test, writes the findings back and raises an alert for each.
func (uc *flakinessUseCase) AnalyzeTestRun(ctx context.Context, runID types.TestRunID) ([]model.FlakyTest, error) {
	logger := ctxlog.From(ctx).With("test_run_id", runID)
	now := time.Now()

	run, err := uc.repo.GetTestRun(ctx, runID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get test run", goerr.V("test_run_id", runID))
	}
	if run == nil {
		return nil, goerr.New("test run not found", goerr.V("test_run_id", runID), goerr.T(model.ErrTagNotFound))
	}

	results, err := uc.repo.ListTestResults(ctx, runID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list test results", goerr.V("test_run_id", runID))
	}

	var (
		findings []model.FlakyTest
		flagged  []*model.TestResult
	)
	for _, result := range results {
		if !result.Failed() {
			continue
		}

		history, err := uc.repo.ListTestHistory(ctx, model.TestHistoryQuery{
			Repository:   run.Repository,
			TestID:       result.TestID,
			Since:        now.Add(-uc.cfg.Lookback),
			ExcludeRunID: runID,
			Limit:        uc.cfg.HistoryLimit,
		})
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list test history", goerr.V("test_id", result.TestID))
		}

		finding, ok := model.EvaluateFlakiness(result, history, uc.cfg)
		if !ok {
			logger.Debug("test is not flaky", "test_id", result.TestID, "history", len(history))
			continue
		}
		findings = append(findings, *finding)

		if !result.Flaky {
			result.Flaky = true
			flagged = append(flagged, result)
		}
	}

	if len(flagged) > 0 {
		if err := uc.repo.PutTestResults(ctx, flagged); err != nil {
			return nil, goerr.Wrap(err, "failed to flag flaky results", goerr.V("test_run_id", runID))
		}
	}

	run, err = uc.repo.UpdateTestRun(ctx, model.TestRunKey{
		Repository: run.Repository,
		ExternalID: run.ExternalID,
		Provider:   run.Provider,
	}, func(run *model.TestRun, exists bool) error {
		if !exists {
			return model.ErrNoChange
		}
		run.ApplyFlakiness(findings, now)
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to write flakiness back", goerr.V("test_run_id", runID))
	}
	if run == nil {
		return nil, goerr.New("test run disappeared", goerr.V("test_run_id", runID), goerr.T(model.ErrTagNotFound))
	}

	for i := range findings {
		if _, err := uc.alerts.RaiseFlakyTest(ctx, run, &findings[i]); err != nil {
			return nil, err
		}
	}

	logger.Info("flakiness analyzed",
		"failed_results", countFailed(results),
		"flaky", len(findings))

	return findings, nil
}

func countFailed(results []*model.TestResult) int {
	var n int
	for _, r := range results {
		if r.Failed() {
			n++
		}
	}
	return n
}
