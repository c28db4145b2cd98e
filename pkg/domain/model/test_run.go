package model

import (
	"strings"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/goerr/v2"
)

// CIProvider names the webhook shape a TestRun was built from. The shapes are
// kept apart so a suite, its workflow and its check runs never collapse into
// one row.
type CIProvider string

const (
	ProviderCheckRun    CIProvider = "github_check_run"
	ProviderCheckSuite  CIProvider = "github_check_suite"
	ProviderWorkflowRun CIProvider = "github_actions"
)

// TestRunKey is the natural key of a TestRun
type TestRunKey struct {
	Repository string
	ExternalID string
	Provider   CIProvider
}

// ID derives the TestRun ID of the key
func (k TestRunKey) ID() types.TestRunID {
	return types.NewTestRunID(k.Repository, string(k.Provider), k.ExternalID)
}

// CIRunObservation is a completed CI execution reported by a webhook
type CIRunObservation struct {
	Repository   string
	Provider     CIProvider
	ExternalID   string
	Name         string
	Status       string
	Conclusion   string
	HeadSHA      string
	HeadBranch   string
	PullRequests []int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	// Report is the parsed test report, if the run published one
	Report *TestReport
}

// Validate checks the fields a TestRun cannot be keyed without
func (o *CIRunObservation) Validate() error {
	if o.Repository == "" || o.ExternalID == "" || o.Provider == "" {
		return goerr.New("CI run observation lacks its natural key",
			goerr.V("repository", o.Repository),
			goerr.V("external_id", o.ExternalID),
			goerr.V("provider", o.Provider),
			goerr.T(ErrTagValidation))
	}
	return nil
}

// Key returns the natural key of the observed run
func (o *CIRunObservation) Key() TestRunKey {
	return TestRunKey{Repository: o.Repository, ExternalID: o.ExternalID, Provider: o.Provider}
}

// TestRun is one CI execution and its aggregate test outcome
type TestRun struct {
	ID             types.TestRunID `json:"id" firestore:"id"`
	Repository     string          `json:"repository" firestore:"repository"`
	ExternalID     string          `json:"external_id" firestore:"external_id"`
	Provider       CIProvider      `json:"provider" firestore:"provider"`
	PullRequest    *int            `json:"pull_request,omitempty" firestore:"pull_request"`
	HeadSHA        string          `json:"head_sha" firestore:"head_sha"`
	HeadBranch     string          `json:"head_branch" firestore:"head_branch"`
	Name           string          `json:"name" firestore:"name"`
	Status         string          `json:"status" firestore:"status"`
	Conclusion     string          `json:"conclusion" firestore:"conclusion"`
	Total          int             `json:"total" firestore:"total"`
	Passed         int             `json:"passed" firestore:"passed"`
	Failed         int             `json:"failed" firestore:"failed"`
	Skipped        int             `json:"skipped" firestore:"skipped"`
	Flaky          int             `json:"flaky" firestore:"flaky"`
	LineCoverage   *float64        `json:"line_coverage,omitempty" firestore:"line_coverage"`
	BranchCoverage *float64        `json:"branch_coverage,omitempty" firestore:"branch_coverage"`
	StartedAt      *time.Time      `json:"started_at,omitempty" firestore:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" firestore:"completed_at"`
	DurationMS     int64           `json:"duration_ms" firestore:"duration_ms"`
	FlakyTests     []FlakyTest     `json:"flaky_tests,omitempty" firestore:"flaky_tests"`
	AnalyzedAt     *time.Time      `json:"flakiness_analyzed_at,omitempty" firestore:"flakiness_analyzed_at"`
}

// Apply merges a CI observation into the run
func (r *TestRun) Apply(o *CIRunObservation) {
	key := o.Key()
	r.ID = key.ID()
	r.Repository = o.Repository
	r.ExternalID = o.ExternalID
	r.Provider = o.Provider
	if len(o.PullRequests) > 0 {
		n := o.PullRequests[0]
		r.PullRequest = &n
	}
	r.HeadSHA = o.HeadSHA
	r.HeadBranch = o.HeadBranch
	r.Name = o.Name
	r.Status = o.Status
	r.Conclusion = o.Conclusion
	r.StartedAt = o.StartedAt
	r.CompletedAt = o.CompletedAt
	if o.StartedAt != nil && o.CompletedAt != nil {
		r.DurationMS = max(o.CompletedAt.Sub(*o.StartedAt).Milliseconds(), 0)
	}

	if rp := o.Report; rp != nil {
		r.Total = rp.Total
		r.Passed = rp.Passed
		r.Failed = rp.Failed
		r.Skipped = rp.Skipped
		r.LineCoverage = rp.LineCoverage
		r.BranchCoverage = rp.BranchCoverage
	}
}

// CIStatus maps the run conclusion to the status shown on a pull request
func (r *TestRun) CIStatus() CIStatus {
	if r.Failed > 0 {
		return CIStatusFailure
	}
	switch r.Conclusion {
	case "success", "neutral", "skipped":
		return CIStatusSuccess
	case "failure", "timed_out":
		return CIStatusFailure
	case "cancelled", "action_required", "stale", "startup_failure":
		return CIStatusError
	case "":
		return CIStatusPending
	}
	return CIStatusUnknown
}

// ApplyFlakiness writes the analyzer findings back onto the run
func (r *TestRun) ApplyFlakiness(flaky []FlakyTest, at time.Time) {
	r.FlakyTests = flaky
	r.Flaky = len(flaky)
	r.AnalyzedAt = &at
}

// TestStatus is the outcome of one test case
type TestStatus string

const (
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
	TestSkipped TestStatus = "skipped"
	TestError   TestStatus = "error"
)

// Failed reports whether the status counts as a failure
func (s TestStatus) Failed() bool {
	return s == TestFailed || s == TestError
}

// TestStatusFrom normalizes report vocabularies ("pass", "FAILED", "errored", ...)
func TestStatusFrom(s string) TestStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "passed", "pass", "success", "ok":
		return TestPassed
	case "failed", "fail", "failure":
		return TestFailed
	case "error", "errored":
		return TestError
	case "skipped", "skip", "pending", "ignored", "disabled":
		return TestSkipped
	}
	return TestError
}

// TestID builds the stable identifier of a test case
func TestID(file, class, name string) string {
	return file + "::" + class + "::" + name
}

// TestResult is the outcome of one test case in one run, keyed by (RunID, TestID)
type TestResult struct {
	RunID          types.TestRunID `json:"run_id" firestore:"run_id"`
	Repository     string          `json:"repository" firestore:"repository"`
	TestID         string          `json:"test_id" firestore:"test_id"`
	File           string          `json:"file" firestore:"file"`
	Class          string          `json:"class" firestore:"class"`
	Name           string          `json:"name" firestore:"name"`
	Status         TestStatus      `json:"status" firestore:"status"`
	DurationMS     int64           `json:"duration_ms" firestore:"duration_ms"`
	FailureMessage string          `json:"failure_message,omitempty" firestore:"failure_message"`
	Flaky          bool            `json:"flaky" firestore:"flaky"`
	RetryCount     int             `json:"retry_count" firestore:"retry_count"`
	ObservedAt     time.Time       `json:"observed_at" firestore:"observed_at"`
}

// Failed reports whether the result counts as a failure
func (r *TestResult) Failed() bool {
	return r.Status.Failed()
}

// TestCase is a single entry of a parsed test report
type TestCase struct {
	File           string
	Class          string
	Name           string
	Status         TestStatus
	Duration       time.Duration
	FailureMessage string
	RetryCount     int
}

// TestReport is a test report extracted from CI output. Cases may be empty
// when only summary counts were published.
type TestReport struct {
	Total          int
	Passed         int
	Failed         int
	Skipped        int
	LineCoverage   *float64
	BranchCoverage *float64
	Cases          []TestCase
}

// Recount derives the counts from the cases
func (r *TestReport) Recount() {
	if len(r.Cases) == 0 {
		return
	}
	r.Total, r.Passed, r.Failed, r.Skipped = len(r.Cases), 0, 0, 0
	for _, c := range r.Cases {
		switch {
		case c.Status.Failed():
			r.Failed++
		case c.Status == TestSkipped:
			r.Skipped++
		default:
			r.Passed++
		}
	}
}

// Results converts the report cases into results of the given run. Results
// are dated by the completion of the run, or by fallback when it is unknown,
// so a replayed run keeps its place in the test history.
func (r *TestReport) Results(run *TestRun, fallback time.Time) []*TestResult {
	observedAt := fallback
	if run.CompletedAt != nil && !run.CompletedAt.IsZero() {
		observedAt = *run.CompletedAt
	}

	results := make([]*TestResult, 0, len(r.Cases))
	for _, c := range r.Cases {
		results = append(results, &TestResult{
			RunID:          run.ID,
			Repository:     run.Repository,
			TestID:         TestID(c.File, c.Class, c.Name),
			File:           c.File,
			Class:          c.Class,
			Name:           c.Name,
			Status:         c.Status,
			DurationMS:     c.Duration.Milliseconds(),
			FailureMessage: c.FailureMessage,
			RetryCount:     c.RetryCount,
			ObservedAt:     observedAt,
		})
	}
	return results
}

// TestHistoryQuery selects prior results of one test
type TestHistoryQuery struct {
	Repository   string
	TestID       string
	Since        time.Time
	ExcludeRunID types.TestRunID
	Limit        int
}
