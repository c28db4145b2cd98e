package model_test

import (
	"testing"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/gt"
)

func history(total, failures int) []*model.TestResult {
	results := make([]*model.TestResult, 0, total)
	for i := 0; i < total; i++ {
		status := model.TestPassed
		if i < failures {
			status = model.TestFailed
		}
		results = append(results, &model.TestResult{Status: status})
	}
	return results
}

func TestEvaluateFlakiness(t *testing.T) {
	cfg := model.DefaultFlakinessConfig()
	test := &model.TestResult{TestID: "a_test.go::Suite::TestA", File: "a_test.go", Class: "Suite", Name: "TestA"}

	tests := []struct {
		name       string
		total      int
		failures   int
		flaky      bool
		rate       float64
		confidence float64
	}{
		{name: "no history is insufficient data", total: 0, failures: 0, flaky: false},
		{name: "too few runs", total: 4, failures: 2, flaky: false},
		{name: "reliably passing", total: 40, failures: 1, flaky: false},
		{name: "reliably broken", total: 20, failures: 20, flaky: false},
		{name: "half failing with full sample", total: 20, failures: 10, flaky: true, rate: 50, confidence: 1},
		{name: "lower bound is inclusive", total: 20, failures: 1, flaky: true, rate: 5, confidence: 0.55},
		{name: "upper bound is inclusive", total: 20, failures: 19, flaky: true, rate: 95, confidence: 0.55},
		{name: "small sample", total: 6, failures: 3, flaky: true, rate: 50, confidence: 0.65},
		{name: "exactly minimum runs", total: 5, failures: 2, flaky: true, rate: 40, confidence: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := model.EvaluateFlakiness(test, history(tt.total, tt.failures), cfg)
			gt.Value(t, ok).Equal(tt.flaky)
			if !tt.flaky {
				gt.Value(t, got).Nil()
				return
			}
			gt.Value(t, got.TestID).Equal(test.TestID)
			gt.Number(t, got.FailureRate).Equal(tt.rate)
			gt.Number(t, got.TotalRuns).Equal(tt.total)
			gt.Number(t, got.RecentFailures).Equal(tt.failures)
			if tt.confidence >= 0 {
				gt.Number(t, got.Confidence).Equal(tt.confidence)
			}
		})
	}
}

func TestConfidence_Monotonic(t *testing.T) {
	// more samples never lower confidence at a fixed rate
	prev := 0.0
	for n := 1; n <= 40; n++ {
		c := model.Confidence(n, 0.3, 20)
		gt.Number(t, c).GreaterOrEqual(prev)
		prev = c
	}

	// a rate closer to 50% never lowers confidence at a fixed sample size
	prev = 0.0
	for _, rate := range []float64{0.05, 0.1, 0.2, 0.3, 0.4, 0.5} {
		c := model.Confidence(10, rate, 20)
		gt.Number(t, c).GreaterOrEqual(prev)
		prev = c
	}
	gt.Number(t, model.Confidence(10, 0.7, 20)).Equal(model.Confidence(10, 0.3, 20))
}
