package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/types"
)

// AlertTrigger is the condition an alert rule reacts to
type AlertTrigger string

const (
	TriggerFlakyTest AlertTrigger = "flaky_test"
)

// AlertSeverity grades an alert
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
	SeverityLow    AlertSeverity = "low"
)

// AlertStatus is the lifecycle state of an alert
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// AlertRule configures how a trigger turns into alerts. Cooldown and daily
// cap are carried for the rule evaluator and not enforced here.
type AlertRule struct {
	ID              string       `json:"id" firestore:"id" toml:"id"`
	Name            string       `json:"name" firestore:"name" toml:"name"`
	Trigger         AlertTrigger `json:"trigger" firestore:"trigger" toml:"trigger"`
	Enabled         bool         `json:"enabled" firestore:"enabled" toml:"enabled"`
	CooldownMinutes int          `json:"cooldown_minutes" firestore:"cooldown_minutes" toml:"cooldown_minutes"`
	DailyCap        int          `json:"daily_cap" firestore:"daily_cap" toml:"daily_cap"`
	Channels        []string     `json:"channels" firestore:"channels" toml:"channels"`
}

// DefaultFlakyTestRule is used when no rule for flaky tests is stored
func DefaultFlakyTestRule() *AlertRule {
	return &AlertRule{
		ID:              "flaky-test",
		Name:            "Flaky test detected",
		Trigger:         TriggerFlakyTest,
		Enabled:         true,
		CooldownMinutes: 60,
		DailyCap:        20,
		Channels:        []string{"log"},
	}
}

// SeverityConfig holds the thresholds grading a flaky-test alert. Rates are percentages.
type SeverityConfig struct {
	HighRate         float64
	HighConfidence   float64
	MediumRate       float64
	MediumConfidence float64
}

// DefaultSeverityConfig returns the compiled-in thresholds
func DefaultSeverityConfig() SeverityConfig {
	return SeverityConfig{
		HighRate:         30,
		HighConfidence:   0.8,
		MediumRate:       15,
		MediumConfidence: 0.6,
	}
}

// SeverityFor grades a flaky finding
func (c SeverityConfig) SeverityFor(f *FlakyTest) AlertSeverity {
	switch {
	case f.FailureRate > c.HighRate && f.Confidence > c.HighConfidence:
		return SeverityHigh
	case f.FailureRate > c.MediumRate && f.Confidence > c.MediumConfidence:
		return SeverityMedium
	}
	return SeverityLow
}

// Fingerprint identifies a recurring flaky test independently of the run
func Fingerprint(repository, class, name string) string {
	h := sha256.Sum256([]byte(repository + "|" + class + "|" + name))
	return hex.EncodeToString(h[:])
}

// AlertKey identifies the single non-resolved alert allowed per rule,
// repository, pull request and fingerprint. PullRequest is 0 when the alert
// is not tied to a pull request.
type AlertKey struct {
	RuleID      string
	Repository  string
	PullRequest int
	Fingerprint string
}

// Digest returns a stable string form of the key usable as a document ID
func (k AlertKey) Digest() string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s\x00%d\x00%s", k.RuleID, k.Repository, k.PullRequest, k.Fingerprint))
	return hex.EncodeToString(h[:])
}

// Alert is a deduplicated notification record
type Alert struct {
	ID              types.AlertID   `json:"id" firestore:"id"`
	RuleID          string          `json:"rule_id" firestore:"rule_id"`
	Type            AlertTrigger    `json:"type" firestore:"type"`
	Severity        AlertSeverity   `json:"severity" firestore:"severity"`
	Title           string          `json:"title" firestore:"title"`
	Message         string          `json:"message" firestore:"message"`
	Context         map[string]any  `json:"context" firestore:"context"`
	Status          AlertStatus     `json:"status" firestore:"status"`
	Fingerprint     string          `json:"fingerprint" firestore:"fingerprint"`
	OccurrenceCount int             `json:"occurrence_count" firestore:"occurrence_count"`
	Repository      string          `json:"repository" firestore:"repository"`
	PullRequest     int             `json:"pull_request,omitempty" firestore:"pull_request"`
	LastRunID       types.TestRunID `json:"last_run_id" firestore:"last_run_id"`
	FirstSeen       time.Time       `json:"first_seen" firestore:"first_seen"`
	LastSeen        time.Time       `json:"last_seen" firestore:"last_seen"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty" firestore:"resolved_at"`
}

// Key returns the dedup key of the alert
func (a *Alert) Key() AlertKey {
	return AlertKey{RuleID: a.RuleID, Repository: a.Repository, PullRequest: a.PullRequest, Fingerprint: a.Fingerprint}
}

// NewFlakyTestAlert builds the first occurrence of a flaky-test alert
func NewFlakyTestAlert(rule *AlertRule, key AlertKey, f *FlakyTest, runID types.TestRunID, severity AlertSeverity, now time.Time) *Alert {
	a := &Alert{
		ID:              types.NewAlertID(),
		RuleID:          rule.ID,
		Type:            rule.Trigger,
		Severity:        severity,
		Title:           fmt.Sprintf("Flaky test: %s", f.Name),
		Status:          AlertActive,
		Fingerprint:     key.Fingerprint,
		OccurrenceCount: 1,
		Repository:      key.Repository,
		PullRequest:     key.PullRequest,
		LastRunID:       runID,
		FirstSeen:       now,
		LastSeen:        now,
		Context:         map[string]any{},
	}
	a.Message = flakyMessage(key.Repository, f)
	a.mergeContext(f, runID, now)
	return a
}

// Recur records another sighting of the same flaky test. A second delivery
// of the run already recorded does not count as a new occurrence.
func (a *Alert) Recur(f *FlakyTest, runID types.TestRunID, now time.Time) bool {
	if runID != "" && a.LastRunID == runID {
		return false
	}
	a.OccurrenceCount++
	a.LastRunID = runID
	a.LastSeen = now
	a.Message = flakyMessage(a.Repository, f)
	a.mergeContext(f, runID, now)
	return true
}

func (a *Alert) mergeContext(f *FlakyTest, runID types.TestRunID, now time.Time) {
	if a.Context == nil {
		a.Context = map[string]any{}
	}
	a.Context["test_id"] = f.TestID
	a.Context["failure_rate"] = f.FailureRate
	a.Context["total_runs"] = f.TotalRuns
	a.Context["recent_failures"] = f.RecentFailures
	a.Context["confidence"] = f.Confidence
	a.Context["run_id"] = runID.String()
	a.Context["detected_at"] = now.UTC().Format(time.RFC3339)
}

func flakyMessage(repository string, f *FlakyTest) string {
	return fmt.Sprintf("%s in %s failed in %d of the last %d runs (%.2f%%, confidence %.2f)",
		f.TestID, repository, f.RecentFailures, f.TotalRuns, f.FailureRate, f.Confidence)
}

// AlertQuery filters alerts for listing
type AlertQuery struct {
	Repository string
	Status     AlertStatus
	Limit      int
}
