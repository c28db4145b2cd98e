package github

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/goerr/v2"
)

// EventProcessor turns stored GitHub webhook payloads into domain updates
type EventProcessor struct {
	pullRequestUC interfaces.PullRequestUseCase
	ciUC          interfaces.CIUseCase
}

var _ interfaces.EventProcessor = (*EventProcessor)(nil)

// NewEventProcessor creates a new GitHub event processor
func NewEventProcessor(pullRequestUC interfaces.PullRequestUseCase, ciUC interfaces.CIUseCase) *EventProcessor {
	return &EventProcessor{
		pullRequestUC: pullRequestUC,
		ciUC:          ciUC,
	}
}

// Process parses the payload of a ledger row and routes it by its kind
func (p *EventProcessor) Process(ctx context.Context, ev *model.WebhookEvent) error {
	logger := ctxlog.From(ctx).With(
		"event_id", ev.ID,
		"delivery_id", ev.DeliveryID,
		"category", ev.Category,
		"action", ev.Action,
	)
	ctx = ctxlog.With(ctx, logger)

	kind := ev.Kind()
	if kind == model.EventKindUnsupported {
		logger.Info("Ignoring unsupported event")
		return nil
	}

	payload, err := github.ParseWebHook(string(ev.Category), ev.Payload)
	if err != nil {
		return goerr.Wrap(err, "failed to parse webhook payload",
			goerr.V("event_id", ev.ID),
			goerr.T(model.ErrTagValidation))
	}

	switch kind {
	case model.EventKindPullRequest:
		e, ok := payload.(*github.PullRequestEvent)
		if !ok {
			return unexpectedPayload(ev, payload)
		}
		_, err = p.pullRequestUC.ApplyPullRequest(ctx, pullRequestObservation(e.GetRepo(), e.GetPullRequest()))

	case model.EventKindReview:
		e, ok := payload.(*github.PullRequestReviewEvent)
		if !ok {
			return unexpectedPayload(ev, payload)
		}
		review, rerr := reviewOf(e)
		if rerr != nil {
			return rerr
		}
		_, err = p.pullRequestUC.ApplyReview(ctx, pullRequestObservation(e.GetRepo(), e.GetPullRequest()), review)

	case model.EventKindCheckRun:
		e, ok := payload.(*github.CheckRunEvent)
		if !ok {
			return unexpectedPayload(ev, payload)
		}
		_, err = p.ciUC.ApplyCIRun(ctx, checkRunObservation(ctx, e))

	case model.EventKindCheckSuite:
		e, ok := payload.(*github.CheckSuiteEvent)
		if !ok {
			return unexpectedPayload(ev, payload)
		}
		_, err = p.ciUC.ApplyCIRun(ctx, checkSuiteObservation(e))

	case model.EventKindWorkflowRun:
		e, ok := payload.(*github.WorkflowRunEvent)
		if !ok {
			return unexpectedPayload(ev, payload)
		}
		_, err = p.ciUC.ApplyCIRun(ctx, workflowRunObservation(e))

	case model.EventKindStatus:
		e, ok := payload.(*github.StatusEvent)
		if !ok {
			return unexpectedPayload(ev, payload)
		}
		_, err = p.pullRequestUC.ApplyCommitStatus(ctx, &model.CommitStatusObservation{
			Repository: e.GetRepo().GetFullName(),
			SHA:        e.GetSHA(),
			State:      e.GetState(),
			Context:    e.GetContext(),
			UpdatedAt:  e.GetUpdatedAt().Time,
		})

	case model.EventKindPush:
		e, ok := payload.(*github.PushEvent)
		if !ok {
			return unexpectedPayload(ev, payload)
		}
		logger.Info("push received",
			"repository", e.GetRepo().GetFullName(),
			"ref", e.GetRef(),
			"before", e.GetBefore(),
			"after", e.GetAfter(),
			"commits", len(e.Commits),
			"pusher", e.GetPusher().GetName())
	}

	return err
}

func unexpectedPayload(ev *model.WebhookEvent, payload any) error {
	return goerr.New("unexpected payload type",
		goerr.V("event_id", ev.ID),
		goerr.V("category", ev.Category),
		goerr.V("type", fmt.Sprintf("%T", payload)),
		goerr.T(model.ErrTagValidation))
}

func pullRequestObservation(repo *github.Repository, pr *github.PullRequest) *model.PullRequestObservation {
	obs := &model.PullRequestObservation{
		Repository:   repo.GetFullName(),
		Number:       pr.GetNumber(),
		ExternalID:   pr.GetID(),
		Title:        pr.GetTitle(),
		State:        pr.GetState(),
		Merged:       pr.GetMerged(),
		Draft:        pr.GetDraft(),
		HeadRef:      pr.GetHead().GetRef(),
		HeadSHA:      pr.GetHead().GetSHA(),
		BaseRef:      pr.GetBase().GetRef(),
		Additions:    pr.Additions,
		Deletions:    pr.Deletions,
		ChangedFiles: pr.ChangedFiles,
		Commits:      pr.Commits,
		CreatedAt:    pr.GetCreatedAt().Time,
		UpdatedAt:    pr.GetUpdatedAt().Time,
		ClosedAt:     timePtr(pr.GetClosedAt()),
		MergedAt:     timePtr(pr.GetMergedAt()),
	}
	if u := pr.GetUser(); u != nil {
		obs.Author = authorOf(u)
	}
	return obs
}

func authorOf(u *github.User) *model.Author {
	return &model.Author{
		ExternalID: u.GetID(),
		Login:      u.GetLogin(),
		Name:       u.GetName(),
		Email:      u.GetEmail(),
		AvatarURL:  u.GetAvatarURL(),
		Type:       u.GetType(),
	}
}

func reviewOf(e *github.PullRequestReviewEvent) (*model.Review, error) {
	r := e.GetReview()
	state, err := model.ReviewStateFrom(r.GetState())
	if err != nil {
		return nil, err
	}
	if e.GetAction() == "dismissed" {
		state = model.ReviewDismissed
	}

	return &model.Review{
		ExternalID:    r.GetID(),
		Repository:    e.GetRepo().GetFullName(),
		PullRequest:   e.GetPullRequest().GetNumber(),
		ReviewerID:    r.GetUser().GetID(),
		ReviewerLogin: r.GetUser().GetLogin(),
		State:         state,
		SubmittedAt:   r.GetSubmittedAt().Time,
	}, nil
}

func checkRunObservation(ctx context.Context, e *github.CheckRunEvent) *model.CIRunObservation {
	run := e.GetCheckRun()
	obs := &model.CIRunObservation{
		Repository:   e.GetRepo().GetFullName(),
		Provider:     model.ProviderCheckRun,
		ExternalID:   strconv.FormatInt(run.GetID(), 10),
		Name:         run.GetName(),
		Status:       run.GetStatus(),
		Conclusion:   run.GetConclusion(),
		HeadSHA:      run.GetHeadSHA(),
		HeadBranch:   run.GetCheckSuite().GetHeadBranch(),
		PullRequests: numbers(run.PullRequests),
		StartedAt:    timePtr(run.GetStartedAt()),
		CompletedAt:  timePtr(run.GetCompletedAt()),
	}

	obs.Report = checkRunReport(ctx, obs, run.GetOutput())
	return obs
}

// checkRunReport reads the test report from the output text, then from the
// summary. An unreadable report is logged and degrades to its summary counts,
// or to no report at all.
func checkRunReport(ctx context.Context, obs *model.CIRunObservation, output *github.CheckRunOutput) *model.TestReport {
	for _, text := range []string{output.GetText(), output.GetSummary()} {
		report, err := ParseTestReport(text)
		if err != nil {
			ctxlog.From(ctx).Warn("ignoring unreadable test report",
				"repository", obs.Repository,
				"check_run", obs.ExternalID,
				"error", err)
			report = parseSummary(strings.TrimSpace(text))
		}
		if report != nil {
			return report
		}
	}
	return nil
}

func checkSuiteObservation(e *github.CheckSuiteEvent) *model.CIRunObservation {
	suite := e.GetCheckSuite()
	return &model.CIRunObservation{
		Repository:   e.GetRepo().GetFullName(),
		Provider:     model.ProviderCheckSuite,
		ExternalID:   strconv.FormatInt(suite.GetID(), 10),
		Name:         suite.GetApp().GetName(),
		Status:       suite.GetStatus(),
		Conclusion:   suite.GetConclusion(),
		HeadSHA:      suite.GetHeadSHA(),
		HeadBranch:   suite.GetHeadBranch(),
		PullRequests: numbers(suite.PullRequests),
		StartedAt:    timePtr(suite.GetCreatedAt()),
		CompletedAt:  timePtr(suite.GetUpdatedAt()),
	}
}

func workflowRunObservation(e *github.WorkflowRunEvent) *model.CIRunObservation {
	run := e.GetWorkflowRun()
	return &model.CIRunObservation{
		Repository:   e.GetRepo().GetFullName(),
		Provider:     model.ProviderWorkflowRun,
		ExternalID:   strconv.FormatInt(run.GetID(), 10),
		Name:         run.GetName(),
		Status:       run.GetStatus(),
		Conclusion:   run.GetConclusion(),
		HeadSHA:      run.GetHeadSHA(),
		HeadBranch:   run.GetHeadBranch(),
		PullRequests: numbers(run.PullRequests),
		StartedAt:    timePtr(run.GetRunStartedAt()),
		CompletedAt:  timePtr(run.GetUpdatedAt()),
	}
}

func numbers(prs []*github.PullRequest) []int {
	var out []int
	for _, pr := range prs {
		if n := pr.GetNumber(); n > 0 {
			out = append(out, n)
		}
	}
	return out
}

func timePtr(ts github.Timestamp) *time.Time {
	if ts.IsZero() {
		return nil
	}
	t := ts.Time
	return &t
}
