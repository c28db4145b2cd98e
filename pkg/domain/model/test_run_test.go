package model_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/gt"
)

func TestTestReport_ResultsDatedByRunCompletion(t *testing.T) {
	report := &model.TestReport{Cases: []model.TestCase{
		{File: "a_test.go", Class: "pkg", Name: "TestA", Status: model.TestFailed},
	}}
	processedAt := base.Add(40 * 24 * time.Hour)

	t.Run("completed run", func(t *testing.T) {
		completed := base
		run := &model.TestRun{ID: "tr_1", Repository: "octo/repo", CompletedAt: &completed}

		results := report.Results(run, processedAt)
		gt.A(t, results).Length(1)
		gt.True(t, results[0].ObservedAt.Equal(base))
		gt.Equal(t, results[0].TestID, model.TestID("a_test.go", "pkg", "TestA"))
	})

	t.Run("completion unknown", func(t *testing.T) {
		run := &model.TestRun{ID: "tr_2", Repository: "octo/repo"}

		results := report.Results(run, processedAt)
		gt.A(t, results).Length(1)
		gt.True(t, results[0].ObservedAt.Equal(processedAt))
	})
}
