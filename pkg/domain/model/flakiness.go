package model

import (
	"math"
	"time"
)

// FlakinessConfig holds the thresholds of the flakiness classifier
type FlakinessConfig struct {
	// Lookback is the trailing window of history considered per test
	Lookback time.Duration
	// HistoryLimit caps the number of prior results considered per test
	HistoryLimit int
	// MinFailureRate and MaxFailureRate bound the flaky band, inclusive.
	// Rates outside it are reliably passing or reliably broken tests.
	MinFailureRate float64
	MaxFailureRate float64
	// MinRuns is the smallest history a test is classified from
	MinRuns int
	// FullConfidenceRuns is the history size at which sample confidence reaches 1
	FullConfidenceRuns int
}

// DefaultFlakinessConfig returns the compiled-in thresholds
func DefaultFlakinessConfig() FlakinessConfig {
	return FlakinessConfig{
		Lookback:           30 * 24 * time.Hour,
		HistoryLimit:       50,
		MinFailureRate:     0.05,
		MaxFailureRate:     0.95,
		MinRuns:            5,
		FullConfidenceRuns: 20,
	}
}

// FlakyTest is one flaky finding of the analyzer
type FlakyTest struct {
	TestID string `json:"test_id" firestore:"test_id"`
	File   string `json:"file" firestore:"file"`
	Class  string `json:"class" firestore:"class"`
	Name   string `json:"name" firestore:"name"`
	// FailureRate is a percentage rounded to 2 decimals
	FailureRate    float64 `json:"failure_rate" firestore:"failure_rate"`
	TotalRuns      int     `json:"total_runs" firestore:"total_runs"`
	RecentFailures int     `json:"recent_failures" firestore:"recent_failures"`
	// Confidence is in [0, 1] rounded to 2 decimals
	Confidence float64 `json:"confidence" firestore:"confidence"`
}

// EvaluateFlakiness classifies a test from its prior results. An empty
// history is insufficient data and never flaky.
func EvaluateFlakiness(test *TestResult, history []*TestResult, cfg FlakinessConfig) (*FlakyTest, bool) {
	total := len(history)
	if total == 0 || total < cfg.MinRuns {
		return nil, false
	}

	failures := 0
	for _, h := range history {
		if h.Failed() {
			failures++
		}
	}

	rate := float64(failures) / float64(total)
	if rate < cfg.MinFailureRate || rate > cfg.MaxFailureRate {
		return nil, false
	}

	return &FlakyTest{
		TestID:         test.TestID,
		File:           test.File,
		Class:          test.Class,
		Name:           test.Name,
		FailureRate:    round2(rate * 100),
		TotalRuns:      total,
		RecentFailures: failures,
		Confidence:     round2(Confidence(total, rate, cfg.FullConfidenceRuns)),
	}, true
}

// Confidence averages the sample-size confidence and the rate confidence. The
// rate confidence peaks at a failure rate of 50%.
func Confidence(total int, rate float64, fullConfidenceRuns int) float64 {
	sample := 1.0
	if fullConfidenceRuns > 0 {
		sample = math.Min(float64(total)/float64(fullConfidenceRuns), 1)
	}
	rateConfidence := 1 - 2*math.Abs(rate-0.5)
	return (sample + rateConfidence) / 2
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
