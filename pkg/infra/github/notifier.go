package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v75/github"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/goerr/v2"
)

// CommentNotifier posts new alerts as a comment on the pull request they belong to
type CommentNotifier struct {
	client interfaces.GitHubClient
}

// NewCommentNotifier creates a CommentNotifier
func NewCommentNotifier(client interfaces.GitHubClient) *CommentNotifier {
	return &CommentNotifier{client: client}
}

func (n *CommentNotifier) Name() string { return "github" }

// Notify comments on the alert's pull request. Alerts that are not tied to a
// pull request are skipped.
func (n *CommentNotifier) Notify(ctx context.Context, alert *model.Alert) error {
	if alert.PullRequest == 0 {
		ctxlog.From(ctx).Debug("alert has no pull request, comment skipped", "alert_id", alert.ID)
		return nil
	}

	owner, repo, ok := strings.Cut(alert.Repository, "/")
	if !ok {
		return goerr.New("repository is not owner/name", goerr.V("repository", alert.Repository))
	}

	body := CommentBody(alert)
	if _, _, err := n.client.CreateComment(ctx, owner, repo, alert.PullRequest, &github.IssueComment{Body: &body}); err != nil {
		return goerr.Wrap(err, "failed to comment alert", goerr.V("alert_id", alert.ID))
	}
	return nil
}

// CommentBody renders an alert as markdown
func CommentBody(alert *model.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### :warning: %s\n\n", alert.Title)
	fmt.Fprintf(&b, "%s\n\n", alert.Message)
	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Severity | `%s` |\n", alert.Severity)
	if v, ok := alert.Context["failure_rate"]; ok {
		fmt.Fprintf(&b, "| Failure rate | %v%% |\n", v)
	}
	if v, ok := alert.Context["confidence"]; ok {
		fmt.Fprintf(&b, "| Confidence | %v |\n", v)
	}
	fmt.Fprintf(&b, "| Alert | `%s` |\n", alert.ID)
	return b.String()
}
