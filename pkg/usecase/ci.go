package usecase

import (
	"context"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/goerr/v2"
)

type ciUseCase struct {
	repo       interfaces.Repository
	dispatcher interfaces.Dispatcher
}

// NewCI creates a new instance of CIUseCase
func NewCI(repo interfaces.Repository, dispatcher interfaces.Dispatcher) interfaces.CIUseCase {
	return &ciUseCase{
		repo:       repo,
		dispatcher: dispatcher,
	}
}

// ApplyCIRun upserts the test run of a completed CI execution, stores its
// test results and propagates the outcome to the associated pull requests. A
// run with failed results is handed to the flakiness analyzer.
func (uc *ciUseCase) ApplyCIRun(ctx context.Context, obs *model.CIRunObservation) (*model.TestRun, error) {
	if err := obs.Validate(); err != nil {
		return nil, err
	}
	logger := ctxlog.From(ctx)
	now := time.Now()

	if len(obs.PullRequests) == 0 && obs.HeadSHA != "" {
		prs, err := uc.repo.FindPullRequestsByHeadSHA(ctx, obs.Repository, obs.HeadSHA)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to find pull requests by head", goerr.V("sha", obs.HeadSHA))
		}
		for _, pr := range prs {
			obs.PullRequests = append(obs.PullRequests, pr.Number)
		}
	}
	if obs.Report != nil {
		obs.Report.Recount()
	}

	run, err := uc.repo.UpdateTestRun(ctx, obs.Key(), func(run *model.TestRun, exists bool) error {
		run.Apply(obs)
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to upsert test run",
			goerr.V("external_id", obs.ExternalID),
			goerr.V("provider", obs.Provider))
	}

	var failedResults int
	if obs.Report != nil && len(obs.Report.Cases) > 0 {
		results := obs.Report.Results(run, now)
		if err := uc.repo.PutTestResults(ctx, results); err != nil {
			return nil, goerr.Wrap(err, "failed to put test results", goerr.V("test_run_id", run.ID))
		}
		for _, r := range results {
			if r.Failed() {
				failedResults++
			}
		}
	}

	for _, number := range obs.PullRequests {
		key := model.PullRequestKey{Repository: obs.Repository, Number: number}
		_, err := uc.repo.UpdatePullRequest(ctx, key, func(pr *model.PullRequest, exists bool) error {
			if !exists || !pr.ApplyTestRun(run) {
				return model.ErrNoChange
			}
			pr.RecomputeMetrics(now)
			return nil
		})
		if err != nil {
			return nil, goerr.Wrap(err, "failed to apply test run to pull request",
				goerr.V("test_run_id", run.ID),
				goerr.V("key", key.String()))
		}
	}

	logger.Info("CI run applied",
		"test_run_id", run.ID,
		"provider", run.Provider,
		"conclusion", run.Conclusion,
		"total", run.Total,
		"failed", run.Failed,
		"pull_requests", obs.PullRequests)

	if run.Failed > 0 && failedResults > 0 {
		if err := uc.dispatcher.DispatchAnalysis(ctx, run.ID); err != nil {
			return nil, err
		}
	}

	return run, nil
}
