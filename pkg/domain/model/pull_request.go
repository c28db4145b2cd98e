package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/goerr/v2"
)

// StaleAfter is the inactivity window after which an open pull request is stale
const StaleAfter = 14 * 24 * time.Hour

// PullRequestState is the lifecycle state of a pull request
type PullRequestState string

const (
	PullRequestOpen   PullRequestState = "open"
	PullRequestClosed PullRequestState = "closed"
	PullRequestMerged PullRequestState = "merged"
)

// CIStatus is the aggregate CI outcome shown on a pull request
type CIStatus string

const (
	CIStatusPending CIStatus = "pending"
	CIStatusSuccess CIStatus = "success"
	CIStatusFailure CIStatus = "failure"
	CIStatusError   CIStatus = "error"
	CIStatusUnknown CIStatus = "unknown"
)

// CIStatusFromState maps a commit status state to a CI status
func CIStatusFromState(state string) CIStatus {
	switch state {
	case "success":
		return CIStatusSuccess
	case "failure":
		return CIStatusFailure
	case "error":
		return CIStatusError
	case "pending":
		return CIStatusPending
	}
	return CIStatusUnknown
}

// PullRequestKey is the natural key of a pull request
type PullRequestKey struct {
	Repository string
	Number     int
}

func (k PullRequestKey) String() string {
	return fmt.Sprintf("%s#%d", k.Repository, k.Number)
}

// Author is a source-control user, keyed by the provider user ID
type Author struct {
	ExternalID int64     `json:"external_id" firestore:"external_id"`
	Login      string    `json:"login" firestore:"login"`
	Name       string    `json:"name,omitempty" firestore:"name"`
	Email      string    `json:"email,omitempty" firestore:"email"`
	AvatarURL  string    `json:"avatar_url,omitempty" firestore:"avatar_url"`
	Type       string    `json:"type,omitempty" firestore:"type"`
	FirstSeen  time.Time `json:"first_seen" firestore:"first_seen"`
	LastSeen   time.Time `json:"last_seen" firestore:"last_seen"`
}

// Refresh copies the mutable profile fields of a new sighting. Empty values do
// not overwrite known ones.
func (a *Author) Refresh(seen *Author) {
	if seen.Login != "" {
		a.Login = seen.Login
	}
	if seen.Name != "" {
		a.Name = seen.Name
	}
	if seen.Email != "" {
		a.Email = seen.Email
	}
	if seen.AvatarURL != "" {
		a.AvatarURL = seen.AvatarURL
	}
	if seen.Type != "" {
		a.Type = seen.Type
	}
	if a.FirstSeen.IsZero() {
		a.FirstSeen = seen.LastSeen
	}
	if seen.LastSeen.After(a.LastSeen) {
		a.LastSeen = seen.LastSeen
	}
}

// PullRequest is the tracked state of one pull request. It is mutated in
// place and never recreated.
type PullRequest struct {
	Repository   string           `json:"repository" firestore:"repository"`
	Number       int              `json:"number" firestore:"number"`
	ExternalID   int64            `json:"external_id" firestore:"external_id"`
	Title        string           `json:"title" firestore:"title"`
	State        PullRequestState `json:"state" firestore:"state"`
	Draft        bool             `json:"draft" firestore:"draft"`
	AuthorID     int64            `json:"author_id" firestore:"author_id"`
	AuthorLogin  string           `json:"author_login" firestore:"author_login"`
	HeadRef      string           `json:"head_ref" firestore:"head_ref"`
	HeadSHA      string           `json:"head_sha" firestore:"head_sha"`
	BaseRef      string           `json:"base_ref" firestore:"base_ref"`
	Additions    int              `json:"additions" firestore:"additions"`
	Deletions    int              `json:"deletions" firestore:"deletions"`
	ChangedFiles int              `json:"changed_files" firestore:"changed_files"`
	Commits      int              `json:"commits" firestore:"commits"`

	CIStatus        CIStatus        `json:"ci_status" firestore:"ci_status"`
	TotalTests      int             `json:"total_tests" firestore:"total_tests"`
	PassedTests     int             `json:"passed_tests" firestore:"passed_tests"`
	FailedTests     int             `json:"failed_tests" firestore:"failed_tests"`
	SkippedTests    int             `json:"skipped_tests" firestore:"skipped_tests"`
	LatestTestRunID types.TestRunID `json:"latest_test_run_id,omitempty" firestore:"latest_test_run_id"`
	LastCIAt        *time.Time      `json:"last_ci_at,omitempty" firestore:"last_ci_at"`

	OpenedAt        time.Time  `json:"opened_at" firestore:"opened_at"`
	UpdatedAt       time.Time  `json:"updated_at" firestore:"updated_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty" firestore:"closed_at"`
	MergedAt        *time.Time `json:"merged_at,omitempty" firestore:"merged_at"`
	FirstCommitAt   *time.Time `json:"first_commit_at,omitempty" firestore:"first_commit_at"`
	FirstReviewAt   *time.Time `json:"first_review_at,omitempty" firestore:"first_review_at"`
	FirstApprovalAt *time.Time `json:"first_approval_at,omitempty" firestore:"first_approval_at"`
	LastActivityAt  time.Time  `json:"last_activity_at" firestore:"last_activity_at"`

	ReviewCount   int `json:"review_count" firestore:"review_count"`
	ApprovalCount int `json:"approval_count" firestore:"approval_count"`

	CycleTimeSeconds         *int64 `json:"cycle_time_seconds,omitempty" firestore:"cycle_time_seconds"`
	TimeToFirstReviewSeconds *int64 `json:"time_to_first_review_seconds,omitempty" firestore:"time_to_first_review_seconds"`
	TimeToApprovalSeconds    *int64 `json:"time_to_approval_seconds,omitempty" firestore:"time_to_approval_seconds"`
	TimeToMergeSeconds       *int64 `json:"time_to_merge_seconds,omitempty" firestore:"time_to_merge_seconds"`
	IsStale                  bool   `json:"is_stale" firestore:"is_stale"`
}

// Key returns the natural key of the pull request
func (pr *PullRequest) Key() PullRequestKey {
	return PullRequestKey{Repository: pr.Repository, Number: pr.Number}
}

// PullRequestObservation is what one webhook delivery tells about a pull
// request. Nil pointers mean the payload did not carry the value.
type PullRequestObservation struct {
	Repository   string
	Number       int
	ExternalID   int64
	Title        string
	State        string
	Merged       bool
	Draft        bool
	Author       *Author
	HeadRef      string
	HeadSHA      string
	BaseRef      string
	Additions    *int
	Deletions    *int
	ChangedFiles *int
	Commits      *int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ClosedAt     *time.Time
	MergedAt     *time.Time
}

// Validate checks the fields an upsert cannot do without
func (o *PullRequestObservation) Validate() error {
	if o.Repository == "" || o.Number <= 0 {
		return goerr.New("pull request observation lacks repository or number",
			goerr.V("repository", o.Repository), goerr.V("number", o.Number), goerr.T(ErrTagValidation))
	}
	return nil
}

// Key returns the natural key the observation applies to
func (o *PullRequestObservation) Key() PullRequestKey {
	return PullRequestKey{Repository: o.Repository, Number: o.Number}
}

// Apply merges an observation into the pull request. Mutable fields are only
// overwritten when the observation is not older than the stored state, so a
// late re-delivery cannot roll the row back.
func (pr *PullRequest) Apply(o *PullRequestObservation, now time.Time) {
	fresh := pr.Number == 0 || !o.UpdatedAt.Before(pr.UpdatedAt)

	pr.Repository = o.Repository
	pr.Number = o.Number
	if o.ExternalID != 0 {
		pr.ExternalID = o.ExternalID
	}
	if pr.OpenedAt.IsZero() || (!o.CreatedAt.IsZero() && o.CreatedAt.Before(pr.OpenedAt)) {
		pr.OpenedAt = o.CreatedAt
	}
	if pr.CIStatus == "" {
		pr.CIStatus = CIStatusUnknown
	}
	if o.Author != nil && o.Author.ExternalID != 0 {
		pr.AuthorID = o.Author.ExternalID
		pr.AuthorLogin = o.Author.Login
	}

	if fresh {
		pr.Title = o.Title
		pr.Draft = o.Draft
		pr.HeadRef = o.HeadRef
		if o.HeadSHA != "" {
			pr.HeadSHA = o.HeadSHA
		}
		pr.BaseRef = o.BaseRef
		assignInt(&pr.Additions, o.Additions)
		assignInt(&pr.Deletions, o.Deletions)
		assignInt(&pr.ChangedFiles, o.ChangedFiles)
		assignInt(&pr.Commits, o.Commits)

		switch {
		case o.Merged || o.MergedAt != nil:
			pr.State = PullRequestMerged
		case o.State == "closed":
			pr.State = PullRequestClosed
		default:
			pr.State = PullRequestOpen
		}
		pr.ClosedAt = o.ClosedAt
		if o.MergedAt != nil {
			pr.MergedAt = o.MergedAt
		}
		if !o.UpdatedAt.IsZero() {
			pr.UpdatedAt = o.UpdatedAt
		}
	}

	pr.Touch(o.UpdatedAt)
	pr.RecomputeMetrics(now)
}

// Touch moves LastActivityAt forward
func (pr *PullRequest) Touch(at time.Time) {
	if at.After(pr.LastActivityAt) {
		pr.LastActivityAt = at
	}
}

// SetFirstCommitAt records the first commit timestamp unless an earlier one is known
func (pr *PullRequest) SetFirstCommitAt(at time.Time) {
	if pr.FirstCommitAt == nil || at.Before(*pr.FirstCommitAt) {
		pr.FirstCommitAt = &at
	}
}

// ApplyReviews recomputes the review aggregates from every stored review of
// the pull request. Self reviews are ignored and each reviewer counts with
// their latest decisive state.
func (pr *PullRequest) ApplyReviews(reviews []*Review, now time.Time) {
	sorted := make([]*Review, 0, len(reviews))
	for _, r := range reviews {
		if pr.AuthorID != 0 && r.ReviewerID == pr.AuthorID {
			continue
		}
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SubmittedAt.Before(sorted[j].SubmittedAt)
	})

	pr.ReviewCount = len(sorted)
	pr.FirstReviewAt = nil
	pr.FirstApprovalAt = nil

	latest := make(map[int64]ReviewState)
	for _, r := range sorted {
		at := r.SubmittedAt
		if pr.FirstReviewAt == nil {
			pr.FirstReviewAt = &at
		}
		if r.State == ReviewApproved && pr.FirstApprovalAt == nil {
			pr.FirstApprovalAt = &at
		}
		if r.State != ReviewCommented {
			latest[r.ReviewerID] = r.State
		}
		pr.Touch(at)
	}

	pr.ApprovalCount = 0
	for _, state := range latest {
		if state == ReviewApproved {
			pr.ApprovalCount++
		}
	}

	pr.RecomputeMetrics(now)
}

// ApplyTestRun copies the CI outcome of a run onto the pull request. Runs
// completed before the latest one already applied are ignored.
func (pr *PullRequest) ApplyTestRun(run *TestRun) bool {
	completed := run.CompletedAt
	if completed == nil {
		return false
	}
	if pr.LastCIAt != nil && completed.Before(*pr.LastCIAt) {
		return false
	}

	pr.LastCIAt = completed
	pr.CIStatus = run.CIStatus()
	pr.LatestTestRunID = run.ID
	pr.TotalTests = run.Total
	pr.PassedTests = run.Passed
	pr.FailedTests = run.Failed
	pr.SkippedTests = run.Skipped
	pr.Touch(*completed)
	return true
}

// RecomputeMetrics derives cycle and review timings and the stale flag. A
// metric stays nil while either of its endpoints is unknown; negative spans
// caused by clock skew are clamped to zero.
func (pr *PullRequest) RecomputeMetrics(now time.Time) {
	pr.CycleTimeSeconds = nil
	if pr.MergedAt != nil && pr.FirstCommitAt != nil {
		pr.CycleTimeSeconds = span(*pr.FirstCommitAt, *pr.MergedAt)
	}

	pr.TimeToFirstReviewSeconds = nil
	pr.TimeToApprovalSeconds = nil
	pr.TimeToMergeSeconds = nil
	if !pr.OpenedAt.IsZero() {
		if pr.FirstReviewAt != nil {
			pr.TimeToFirstReviewSeconds = span(pr.OpenedAt, *pr.FirstReviewAt)
		}
		if pr.FirstApprovalAt != nil {
			pr.TimeToApprovalSeconds = span(pr.OpenedAt, *pr.FirstApprovalAt)
		}
		if pr.MergedAt != nil {
			pr.TimeToMergeSeconds = span(pr.OpenedAt, *pr.MergedAt)
		}
	}

	pr.IsStale = pr.State == PullRequestOpen &&
		!pr.LastActivityAt.IsZero() &&
		now.Sub(pr.LastActivityAt) >= StaleAfter
}

func span(from, to time.Time) *int64 {
	s := int64(to.Sub(from) / time.Second)
	if s < 0 {
		s = 0
	}
	return &s
}

func assignInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// ReviewState is the decision of a review
type ReviewState string

const (
	ReviewApproved         ReviewState = "approved"
	ReviewChangesRequested ReviewState = "changes_requested"
	ReviewCommented        ReviewState = "commented"
	ReviewDismissed        ReviewState = "dismissed"
)

// ReviewStateFrom normalizes a provider review state ("APPROVED", "approved", ...)
func ReviewStateFrom(s string) (ReviewState, error) {
	switch ReviewState(strings.ToLower(s)) {
	case ReviewApproved:
		return ReviewApproved, nil
	case ReviewChangesRequested:
		return ReviewChangesRequested, nil
	case ReviewCommented:
		return ReviewCommented, nil
	case ReviewDismissed:
		return ReviewDismissed, nil
	}
	return "", goerr.New("unknown review state", goerr.V("state", s), goerr.T(ErrTagValidation))
}

// Review is one submitted review, keyed by the provider review ID
type Review struct {
	ExternalID    int64       `json:"external_id" firestore:"external_id"`
	Repository    string      `json:"repository" firestore:"repository"`
	PullRequest   int         `json:"pull_request" firestore:"pull_request"`
	ReviewerID    int64       `json:"reviewer_id" firestore:"reviewer_id"`
	ReviewerLogin string      `json:"reviewer_login" firestore:"reviewer_login"`
	State         ReviewState `json:"state" firestore:"state"`
	SubmittedAt   time.Time   `json:"submitted_at" firestore:"submitted_at"`
}

// PullRequestKey returns the key of the reviewed pull request
func (r *Review) PullRequestKey() PullRequestKey {
	return PullRequestKey{Repository: r.Repository, Number: r.PullRequest}
}

// CommitStatusObservation is a commit status delivery
type CommitStatusObservation struct {
	Repository string
	SHA        string
	State      string
	Context    string
	UpdatedAt  time.Time
}
