package model_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/gt"
)

func TestFingerprint(t *testing.T) {
	a := model.Fingerprint("acme/widgets", "Suite", "TestA")
	gt.Value(t, a).Equal(model.Fingerprint("acme/widgets", "Suite", "TestA"))
	gt.Number(t, len(a)).Equal(64)
	gt.Value(t, a).NotEqual(model.Fingerprint("acme/widgets", "Suite", "TestB"))
	gt.Value(t, a).NotEqual(model.Fingerprint("acme/gadgets", "Suite", "TestA"))
}

func TestSeverityFor(t *testing.T) {
	cfg := model.DefaultSeverityConfig()

	tests := []struct {
		name       string
		rate       float64
		confidence float64
		expected   model.AlertSeverity
	}{
		{name: "high", rate: 45, confidence: 0.9, expected: model.SeverityHigh},
		{name: "high rate with medium confidence", rate: 45, confidence: 0.7, expected: model.SeverityMedium},
		{name: "medium", rate: 20, confidence: 0.65, expected: model.SeverityMedium},
		{name: "thresholds are exclusive", rate: 30, confidence: 0.8, expected: model.SeverityMedium},
		{name: "low rate", rate: 15, confidence: 0.95, expected: model.SeverityLow},
		{name: "low confidence", rate: 50, confidence: 0.6, expected: model.SeverityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &model.FlakyTest{FailureRate: tt.rate, Confidence: tt.confidence}
			gt.Value(t, cfg.SeverityFor(f)).Equal(tt.expected)
		})
	}
}

func TestAlert_Recur(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rule := model.DefaultFlakyTestRule()
	f := &model.FlakyTest{TestID: "a::Suite::TestA", Class: "Suite", Name: "TestA", FailureRate: 25, TotalRuns: 20, RecentFailures: 5, Confidence: 0.75}
	key := model.AlertKey{RuleID: rule.ID, Repository: "acme/widgets", PullRequest: 42, Fingerprint: model.Fingerprint("acme/widgets", "Suite", "TestA")}

	alert := model.NewFlakyTestAlert(rule, key, f, "tr_1", model.SeverityMedium, now)
	gt.Number(t, alert.OccurrenceCount).Equal(1)
	gt.Value(t, alert.Status).Equal(model.AlertActive)
	gt.Value(t, alert.Key()).Equal(key)
	gt.Value(t, alert.Context["run_id"]).Equal(any("tr_1"))

	gt.False(t, alert.Recur(f, "tr_1", now.Add(time.Minute)))
	gt.Number(t, alert.OccurrenceCount).Equal(1)

	f2 := *f
	f2.FailureRate = 30
	gt.True(t, alert.Recur(&f2, "tr_2", now.Add(time.Hour)))
	gt.Number(t, alert.OccurrenceCount).Equal(2)
	gt.Value(t, alert.Context["failure_rate"]).Equal(any(30.0))
	gt.Value(t, alert.LastSeen).Equal(now.Add(time.Hour))
	gt.Value(t, alert.FirstSeen).Equal(now)
}
