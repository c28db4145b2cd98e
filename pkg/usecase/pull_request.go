package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/goerr/v2"
)

type pullRequestUseCase struct {
	repo         interfaces.PullRequestStore
	githubClient interfaces.GitHubClient
}

// PullRequestOption configures the pull request use case
type PullRequestOption func(*pullRequestUseCase)

// WithGitHubClient enables first-commit lookups through the GitHub API
func WithGitHubClient(client interfaces.GitHubClient) PullRequestOption {
	return func(uc *pullRequestUseCase) {
		uc.githubClient = client
	}
}

// NewPullRequest creates a new instance of PullRequestUseCase
func NewPullRequest(repo interfaces.PullRequestStore, opts ...PullRequestOption) interfaces.PullRequestUseCase {
	uc := &pullRequestUseCase{repo: repo}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// ApplyPullRequest upserts a pull request by (repository, number) and
// refreshes its author
func (uc *pullRequestUseCase) ApplyPullRequest(ctx context.Context, obs *model.PullRequestObservation) (*model.PullRequest, error) {
	if err := obs.Validate(); err != nil {
		return nil, err
	}
	now := time.Now()

	if obs.Author != nil && obs.Author.ExternalID != 0 {
		if err := uc.refreshAuthor(ctx, obs.Author, now); err != nil {
			return nil, err
		}
	}

	pr, err := uc.repo.UpdatePullRequest(ctx, obs.Key(), func(pr *model.PullRequest, exists bool) error {
		pr.Apply(obs, now)
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to upsert pull request", goerr.V("key", obs.Key().String()))
	}

	if pr.FirstCommitAt == nil && uc.githubClient != nil {
		pr, err = uc.lookupFirstCommit(ctx, pr, now)
		if err != nil {
			return nil, err
		}
	}

	ctxlog.From(ctx).Info("pull request applied",
		"pull_request", pr.Key().String(),
		"state", pr.State,
		"stale", pr.IsStale)

	return pr, nil
}

func (uc *pullRequestUseCase) refreshAuthor(ctx context.Context, seen *model.Author, now time.Time) error {
	author, err := uc.repo.GetAuthor(ctx, seen.ExternalID)
	if err != nil {
		return goerr.Wrap(err, "failed to get author", goerr.V("external_id", seen.ExternalID))
	}
	if author == nil {
		author = &model.Author{ExternalID: seen.ExternalID, FirstSeen: now}
	}

	sighting := *seen
	sighting.LastSeen = now
	author.Refresh(&sighting)

	if err := uc.repo.PutAuthor(ctx, author); err != nil {
		return goerr.Wrap(err, "failed to put author", goerr.V("external_id", seen.ExternalID))
	}
	return nil
}

// lookupFirstCommit fills FirstCommitAt from the oldest commit of the pull
// request. Lookup failures are logged and leave the metric unknown.
func (uc *pullRequestUseCase) lookupFirstCommit(ctx context.Context, pr *model.PullRequest, now time.Time) (*model.PullRequest, error) {
	logger := ctxlog.From(ctx)

	owner, name, ok := strings.Cut(pr.Repository, "/")
	if !ok {
		return pr, nil
	}

	commits, _, err := uc.githubClient.ListPullRequestCommits(ctx, owner, name, pr.Number, &github.ListOptions{PerPage: 1})
	if err != nil {
		logger.Warn("failed to list pull request commits",
			"pull_request", pr.Key().String(),
			"error", err)
		return pr, nil
	}
	if len(commits) == 0 {
		return pr, nil
	}

	date := commits[0].GetCommit().GetAuthor().GetDate()
	if date.IsZero() {
		return pr, nil
	}

	updated, err := uc.repo.UpdatePullRequest(ctx, pr.Key(), func(pr *model.PullRequest, exists bool) error {
		if !exists {
			return model.ErrNoChange
		}
		pr.SetFirstCommitAt(date.Time)
		pr.RecomputeMetrics(now)
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to set first commit", goerr.V("key", pr.Key().String()))
	}
	if updated == nil {
		return pr, nil
	}
	return updated, nil
}

// ApplyReview upserts the reviewed pull request, stores the review and
// recomputes the review aggregates from every stored review
func (uc *pullRequestUseCase) ApplyReview(ctx context.Context, obs *model.PullRequestObservation, review *model.Review) (*model.PullRequest, error) {
	if _, err := uc.ApplyPullRequest(ctx, obs); err != nil {
		return nil, err
	}

	if review.ExternalID == 0 {
		return nil, goerr.New("review lacks ID", goerr.V("key", obs.Key().String()), goerr.T(model.ErrTagValidation))
	}
	review.Repository = obs.Repository
	review.PullRequest = obs.Number

	now := time.Now()
	pr, err := uc.repo.UpdatePullRequestReviews(ctx, review, func(pr *model.PullRequest, exists bool, reviews []*model.Review) error {
		if !exists {
			return goerr.New("reviewed pull request disappeared", goerr.V("key", obs.Key().String()))
		}
		pr.ApplyReviews(reviews, now)
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to apply review", goerr.V("review_id", review.ExternalID))
	}

	ctxlog.From(ctx).Info("review applied",
		"pull_request", pr.Key().String(),
		"review_id", review.ExternalID,
		"state", review.State,
		"approvals", pr.ApprovalCount)

	return pr, nil
}

// ApplyCommitStatus updates the CI status of every pull request whose head is
// the commit. Zero matches is not an error.
func (uc *pullRequestUseCase) ApplyCommitStatus(ctx context.Context, obs *model.CommitStatusObservation) ([]*model.PullRequest, error) {
	if obs.Repository == "" || obs.SHA == "" {
		return nil, goerr.New("commit status lacks repository or SHA",
			goerr.V("repository", obs.Repository),
			goerr.V("sha", obs.SHA),
			goerr.T(model.ErrTagValidation))
	}

	prs, err := uc.repo.FindPullRequestsByHeadSHA(ctx, obs.Repository, obs.SHA)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to find pull requests by head", goerr.V("sha", obs.SHA))
	}

	now := time.Now()
	status := model.CIStatusFromState(obs.State)
	var updated []*model.PullRequest
	for _, found := range prs {
		pr, err := uc.repo.UpdatePullRequest(ctx, found.Key(), func(pr *model.PullRequest, exists bool) error {
			// the head may have moved since the lookup
			if !exists || pr.HeadSHA != obs.SHA {
				return model.ErrNoChange
			}
			pr.CIStatus = status
			pr.Touch(obs.UpdatedAt)
			pr.RecomputeMetrics(now)
			return nil
		})
		if err != nil && !errors.Is(err, model.ErrNoChange) {
			return nil, goerr.Wrap(err, "failed to update CI status", goerr.V("key", found.Key().String()))
		}
		if pr != nil && pr.HeadSHA == obs.SHA {
			updated = append(updated, pr)
		}
	}

	ctxlog.From(ctx).Info("commit status applied",
		"sha", obs.SHA,
		"context", obs.Context,
		"ci_status", status,
		"pull_requests", len(updated))

	return updated, nil
}
