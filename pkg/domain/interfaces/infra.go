package interfaces

import (
	"context"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
)

// Queue is the laned task queue between dispatcher and workers. Delivery is
// at least once: a dequeued task that is not acked before its lease expires
// is delivered again.
type Queue interface {
	Enqueue(ctx context.Context, task *model.Task, delay time.Duration) error
	// Dequeue blocks until a task of the lane is available or ctx is done
	Dequeue(ctx context.Context, lane model.Lane) (*model.Task, error)
	Ack(ctx context.Context, task *model.Task) error
}

// Notifier delivers a new alert to one channel
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert *model.Alert) error
}

// DeadLetterArchiver copies dead letters to external storage for inspection
type DeadLetterArchiver interface {
	Archive(ctx context.Context, dl *model.DeadLetter, ev *model.WebhookEvent) error
}

// GitHubClient defines operations for interacting with GitHub API
type GitHubClient interface {
	// ListPullRequestCommits lists commits of a pull request, oldest first
	ListPullRequestCommits(ctx context.Context, owner, repo string, number int, opts *github.ListOptions) ([]*github.RepositoryCommit, *github.Response, error)

	// CreateComment creates a comment on a pull request or issue
	CreateComment(ctx context.Context, owner, repo string, number int, comment *github.IssueComment) (*github.IssueComment, *github.Response, error)
}
