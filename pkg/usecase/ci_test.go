package usecase_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/repository/memory"
	"github.com/m-mizutani/flakewatch/pkg/usecase"
	"github.com/m-mizutani/gt"
)

func ciObservation(externalID, completedAt string, cases ...model.TestCase) *model.CIRunObservation {
	return &model.CIRunObservation{
		Repository:  "octo/repo",
		Provider:    model.ProviderCheckRun,
		ExternalID:  externalID,
		Name:        "unit",
		Status:      "completed",
		Conclusion:  "failure",
		HeadSHA:     "abc123",
		StartedAt:   ptr(at("2024-03-01T10:00:00Z")),
		CompletedAt: ptr(at(completedAt)),
		Report:      &model.TestReport{Cases: cases},
	}
}

func TestCIUseCase_ApplyCIRun(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	dispatcher := &MockDispatcher{}
	prUC := usecase.NewPullRequest(repo)
	uc := usecase.NewCI(repo, dispatcher)

	_, err := prUC.ApplyPullRequest(ctx, prObservation())
	gt.NoError(t, err)

	run, err := uc.ApplyCIRun(ctx, ciObservation("100", "2024-03-01T10:05:00Z",
		model.TestCase{File: "a_test.go", Class: "pkg", Name: "TestA", Status: model.TestPassed},
		model.TestCase{File: "a_test.go", Class: "pkg", Name: "TestB", Status: model.TestFailed, FailureMessage: "boom"},
		model.TestCase{File: "a_test.go", Class: "pkg", Name: "TestC", Status: model.TestSkipped},
	))
	gt.NoError(t, err)
	gt.Equal(t, run.Total, 3)
	gt.Equal(t, run.Failed, 1)
	gt.Equal(t, run.Skipped, 1)
	gt.Equal(t, run.DurationMS, int64(5*60*1000))
	gt.Value(t, run.PullRequest).NotNil()
	gt.Equal(t, *run.PullRequest, 7)

	t.Run("run is associated by head SHA", func(t *testing.T) {
		pr, err := repo.GetPullRequest(ctx, model.PullRequestKey{Repository: "octo/repo", Number: 7})
		gt.NoError(t, err)
		gt.Equal(t, pr.CIStatus, model.CIStatusFailure)
		gt.Equal(t, pr.LatestTestRunID, run.ID)
		gt.Equal(t, pr.FailedTests, 1)
	})

	t.Run("results are stored per test", func(t *testing.T) {
		results, err := repo.ListTestResults(ctx, run.ID)
		gt.NoError(t, err)
		gt.A(t, results).Length(3)
		gt.Equal(t, results[1].TestID, model.TestID("a_test.go", "pkg", "TestB"))
		gt.Equal(t, results[1].FailureMessage, "boom")
		gt.True(t, results[1].ObservedAt.Equal(at("2024-03-01T10:05:00Z")))
	})

	t.Run("failed run is handed to the analyzer", func(t *testing.T) {
		gt.A(t, dispatcher.analyses).Length(1)
		gt.Equal(t, dispatcher.analyses[0], run.ID)
	})

	t.Run("re-delivery updates the same run", func(t *testing.T) {
		again, err := uc.ApplyCIRun(ctx, ciObservation("100", "2024-03-01T10:05:00Z",
			model.TestCase{File: "a_test.go", Class: "pkg", Name: "TestA", Status: model.TestPassed},
			model.TestCase{File: "a_test.go", Class: "pkg", Name: "TestB", Status: model.TestFailed},
			model.TestCase{File: "a_test.go", Class: "pkg", Name: "TestC", Status: model.TestSkipped},
		))
		gt.NoError(t, err)
		gt.Equal(t, again.ID, run.ID)

		results, err := repo.ListTestResults(ctx, run.ID)
		gt.NoError(t, err)
		gt.A(t, results).Length(3)
	})

	t.Run("older run does not overwrite the pull request", func(t *testing.T) {
		old := ciObservation("99", "2024-03-01T09:00:00Z",
			model.TestCase{File: "a_test.go", Class: "pkg", Name: "TestA", Status: model.TestPassed})
		old.Conclusion = "success"
		_, err := uc.ApplyCIRun(ctx, old)
		gt.NoError(t, err)

		pr, err := repo.GetPullRequest(ctx, model.PullRequestKey{Repository: "octo/repo", Number: 7})
		gt.NoError(t, err)
		gt.Equal(t, pr.LatestTestRunID, run.ID)
		gt.Equal(t, pr.CIStatus, model.CIStatusFailure)
	})
}

func TestCIUseCase_SummaryOnlyRunIsNotAnalyzed(t *testing.T) {
	ctx := context.Background()
	dispatcher := &MockDispatcher{}
	uc := usecase.NewCI(memory.New(), dispatcher)

	obs := ciObservation("1", "2024-03-01T10:05:00Z")
	obs.Report = &model.TestReport{Total: 10, Passed: 8, Failed: 2}

	run, err := uc.ApplyCIRun(ctx, obs)
	gt.NoError(t, err)
	gt.Equal(t, run.Failed, 2)
	gt.Value(t, run.PullRequest).Nil()
	gt.A(t, dispatcher.analyses).Length(0)
}

func TestCIUseCase_InvalidObservation(t *testing.T) {
	uc := usecase.NewCI(memory.New(), &MockDispatcher{})
	obs := ciObservation("", "2024-03-01T10:05:00Z")
	_, err := uc.ApplyCIRun(context.Background(), obs)
	gt.Error(t, err)
}
