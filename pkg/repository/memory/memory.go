package memory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/goerr/v2"
)

// Repository is an in-process implementation of interfaces.Repository. One
// mutex guards every map, so read-modify-write callbacks are atomic.
type Repository struct {
	mu sync.Mutex

	events     map[types.EventID]*model.WebhookEvent
	deliveries map[string]types.EventID
	dead       map[types.DeadLetterID]*model.DeadLetter

	authors map[int64]*model.Author
	prs     map[model.PullRequestKey]*model.PullRequest
	reviews map[int64]*model.Review

	runs    map[types.TestRunID]*model.TestRun
	results map[types.TestRunID]map[string]*model.TestResult

	rules        map[model.AlertTrigger]*model.AlertRule
	alerts       map[types.AlertID]*model.Alert
	activeAlerts map[model.AlertKey]types.AlertID
}

var _ interfaces.Repository = (*Repository)(nil)

// New creates an empty in-memory repository
func New() *Repository {
	return &Repository{
		events:       make(map[types.EventID]*model.WebhookEvent),
		deliveries:   make(map[string]types.EventID),
		dead:         make(map[types.DeadLetterID]*model.DeadLetter),
		authors:      make(map[int64]*model.Author),
		prs:          make(map[model.PullRequestKey]*model.PullRequest),
		reviews:      make(map[int64]*model.Review),
		runs:         make(map[types.TestRunID]*model.TestRun),
		results:      make(map[types.TestRunID]map[string]*model.TestResult),
		rules:        make(map[model.AlertTrigger]*model.AlertRule),
		alerts:       make(map[types.AlertID]*model.Alert),
		activeAlerts: make(map[model.AlertKey]types.AlertID),
	}
}

func (r *Repository) CreateWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (*model.WebhookEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.deliveries[ev.DeliveryID]; ok {
		return cloneEvent(r.events[id]), false, nil
	}
	if _, ok := r.events[ev.ID]; ok {
		return nil, false, goerr.New("event ID already exists", goerr.V("event_id", ev.ID))
	}

	r.events[ev.ID] = cloneEvent(ev)
	r.deliveries[ev.DeliveryID] = ev.ID
	return cloneEvent(ev), true, nil
}

func (r *Repository) GetWebhookEvent(ctx context.Context, id types.EventID) (*model.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneEvent(r.events[id]), nil
}

func (r *Repository) GetWebhookEventByDeliveryID(ctx context.Context, deliveryID string) (*model.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.deliveries[deliveryID]
	if !ok {
		return nil, nil
	}
	return cloneEvent(r.events[id]), nil
}

func (r *Repository) ClaimWebhookEvent(ctx context.Context, id types.EventID, now time.Time) (*model.WebhookEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok {
		return nil, false, goerr.New("webhook event not found", goerr.V("event_id", id), goerr.T(model.ErrTagNotFound))
	}
	if !ev.Claimable(now) {
		return cloneEvent(ev), false, nil
	}

	ev.MarkProcessing(now)
	return cloneEvent(ev), true, nil
}

func (r *Repository) updateEvent(id types.EventID, fn func(ev *model.WebhookEvent)) (*model.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok {
		return nil, goerr.New("webhook event not found", goerr.V("event_id", id), goerr.T(model.ErrTagNotFound))
	}
	fn(ev)
	return cloneEvent(ev), nil
}

func (r *Repository) CompleteWebhookEvent(ctx context.Context, id types.EventID, now time.Time) (*model.WebhookEvent, error) {
	return r.updateEvent(id, func(ev *model.WebhookEvent) { ev.MarkCompleted(now) })
}

func (r *Repository) FailWebhookEvent(ctx context.Context, id types.EventID, msg string, now time.Time, retryAfter *time.Time) (*model.WebhookEvent, error) {
	return r.updateEvent(id, func(ev *model.WebhookEvent) { ev.MarkFailed(msg, now, retryAfter) })
}

func (r *Repository) SkipWebhookEvent(ctx context.Context, id types.EventID, now time.Time) (*model.WebhookEvent, error) {
	return r.updateEvent(id, func(ev *model.WebhookEvent) { ev.MarkSkipped(now) })
}

func (r *Repository) ResetWebhookEvent(ctx context.Context, id types.EventID) (*model.WebhookEvent, error) {
	return r.updateEvent(id, func(ev *model.WebhookEvent) { ev.Reset() })
}

func (r *Repository) ListRecoverableWebhookEvents(ctx context.Context, q model.RecoveryQuery) ([]*model.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found []*model.WebhookEvent
	for _, ev := range r.events {
		if recoverable(ev, q) {
			found = append(found, cloneEvent(ev))
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ReceivedAt.Before(found[j].ReceivedAt) })
	if q.Limit > 0 && len(found) > q.Limit {
		found = found[:q.Limit]
	}
	return found, nil
}

func recoverable(ev *model.WebhookEvent, q model.RecoveryQuery) bool {
	switch ev.Status {
	case model.EventStatusPending:
		return ev.ReceivedAt.Before(q.PendingBefore)
	case model.EventStatusFailed:
		return ev.RetryAfter != nil && ev.RetryAfter.Before(q.RetryDueBefore)
	case model.EventStatusProcessing:
		return ev.ProcessingStartedAt != nil && ev.ProcessingStartedAt.Before(q.ProcessingBefore)
	}
	return false
}

func (r *Repository) PutDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *dl
	r.dead[dl.ID] = &c
	return nil
}

func (r *Repository) GetDeadLetter(ctx context.Context, id types.DeadLetterID) (*model.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dl, ok := r.dead[id]
	if !ok {
		return nil, nil
	}
	c := *dl
	return &c, nil
}

func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]*model.DeadLetter, 0, len(r.dead))
	for _, dl := range r.dead {
		c := *dl
		list = append(list, &c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].FailedAt.After(list[j].FailedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *Repository) MarkDeadLetterReplayed(ctx context.Context, id types.DeadLetterID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dl, ok := r.dead[id]
	if !ok {
		return goerr.New("dead letter not found", goerr.V("dead_letter_id", id), goerr.T(model.ErrTagNotFound))
	}
	dl.ReplayedAt = &at
	return nil
}

func (r *Repository) PutAuthor(ctx context.Context, author *model.Author) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *author
	r.authors[author.ExternalID] = &c
	return nil
}

func (r *Repository) GetAuthor(ctx context.Context, externalID int64) (*model.Author, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.authors[externalID]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (r *Repository) UpdatePullRequest(ctx context.Context, key model.PullRequestKey, fn func(pr *model.PullRequest, exists bool) error) (*model.PullRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.prs[key]
	pr := &model.PullRequest{}
	if exists {
		*pr = *current
	}

	if err := fn(pr, exists); err != nil {
		if errors.Is(err, model.ErrNoChange) {
			if !exists {
				return nil, nil
			}
			c := *current
			return &c, nil
		}
		return nil, err
	}

	stored := *pr
	r.prs[key] = &stored
	return pr, nil
}

func (r *Repository) GetPullRequest(ctx context.Context, key model.PullRequestKey) (*model.PullRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pr, ok := r.prs[key]
	if !ok {
		return nil, nil
	}
	c := *pr
	return &c, nil
}

func (r *Repository) FindPullRequestsByHeadSHA(ctx context.Context, repository, sha string) ([]*model.PullRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found []*model.PullRequest
	for _, pr := range r.prs {
		if pr.Repository == repository && pr.HeadSHA == sha {
			c := *pr
			found = append(found, &c)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Number < found[j].Number })
	return found, nil
}

func (r *Repository) PutReview(ctx context.Context, review *model.Review) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *review
	r.reviews[review.ExternalID] = &c
	return nil
}

func (r *Repository) ListReviews(ctx context.Context, key model.PullRequestKey) ([]*model.Review, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listReviews(key, nil), nil
}

// listReviews copies the stored reviews of key, with extra replacing any
// stored review of the same ID. Callers hold r.mu.
func (r *Repository) listReviews(key model.PullRequestKey, extra *model.Review) []*model.Review {
	var found []*model.Review
	for _, rv := range r.reviews {
		if rv.PullRequestKey() != key || (extra != nil && rv.ExternalID == extra.ExternalID) {
			continue
		}
		c := *rv
		found = append(found, &c)
	}
	if extra != nil {
		c := *extra
		found = append(found, &c)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].SubmittedAt.Before(found[j].SubmittedAt) })
	return found
}

func (r *Repository) UpdatePullRequestReviews(ctx context.Context, review *model.Review, fn func(pr *model.PullRequest, exists bool, reviews []*model.Review) error) (*model.PullRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := review.PullRequestKey()
	current, exists := r.prs[key]
	pr := &model.PullRequest{}
	if exists {
		*pr = *current
	}

	if err := fn(pr, exists, r.listReviews(key, review)); err != nil {
		return nil, err
	}

	stored := *review
	r.reviews[review.ExternalID] = &stored
	next := *pr
	r.prs[key] = &next
	return pr, nil
}

func (r *Repository) UpdateTestRun(ctx context.Context, key model.TestRunKey, fn func(run *model.TestRun, exists bool) error) (*model.TestRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := key.ID()
	current, exists := r.runs[id]
	run := &model.TestRun{ID: id, Repository: key.Repository, ExternalID: key.ExternalID, Provider: key.Provider}
	if exists {
		run = cloneRun(current)
	}

	if err := fn(run, exists); err != nil {
		if errors.Is(err, model.ErrNoChange) {
			if !exists {
				return nil, nil
			}
			return cloneRun(current), nil
		}
		return nil, err
	}

	run.ID = id
	r.runs[id] = cloneRun(run)
	return run, nil
}

func (r *Repository) GetTestRun(ctx context.Context, id types.TestRunID) (*model.TestRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, nil
	}
	return cloneRun(run), nil
}

func (r *Repository) PutTestResults(ctx context.Context, results []*model.TestResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range results {
		byTest, ok := r.results[res.RunID]
		if !ok {
			byTest = make(map[string]*model.TestResult)
			r.results[res.RunID] = byTest
		}
		c := *res
		byTest[res.TestID] = &c
	}
	return nil
}

func (r *Repository) ListTestResults(ctx context.Context, runID types.TestRunID) ([]*model.TestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byTest := r.results[runID]
	list := make([]*model.TestResult, 0, len(byTest))
	for _, testID := range slices.Sorted(maps.Keys(byTest)) {
		c := *byTest[testID]
		list = append(list, &c)
	}
	return list, nil
}

func (r *Repository) ListTestHistory(ctx context.Context, q model.TestHistoryQuery) ([]*model.TestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []*model.TestResult
	for runID, byTest := range r.results {
		if runID == q.ExcludeRunID {
			continue
		}
		res, ok := byTest[q.TestID]
		if !ok || res.Repository != q.Repository || res.ObservedAt.Before(q.Since) {
			continue
		}
		c := *res
		list = append(list, &c)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].ObservedAt.After(list[j].ObservedAt) })
	if q.Limit > 0 && len(list) > q.Limit {
		list = list[:q.Limit]
	}
	return list, nil
}

func (r *Repository) PutAlertRule(ctx context.Context, rule *model.AlertRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *rule
	c.Channels = slices.Clone(rule.Channels)
	r.rules[rule.Trigger] = &c
	return nil
}

func (r *Repository) GetAlertRuleByTrigger(ctx context.Context, trigger model.AlertTrigger) (*model.AlertRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[trigger]
	if !ok {
		return nil, nil
	}
	c := *rule
	c.Channels = slices.Clone(rule.Channels)
	return &c, nil
}

func (r *Repository) UpdateActiveAlert(ctx context.Context, key model.AlertKey, fn func(current *model.Alert) (*model.Alert, error)) (*model.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var current *model.Alert
	if id, ok := r.activeAlerts[key]; ok {
		current = cloneAlert(r.alerts[id])
	}

	next, err := fn(current)
	if err != nil {
		if errors.Is(err, model.ErrNoChange) {
			return current, nil
		}
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	if next.Key() != key {
		return nil, goerr.New("alert does not match its key", goerr.V("key", key), goerr.V("alert_id", next.ID))
	}

	r.alerts[next.ID] = cloneAlert(next)
	if next.Status == model.AlertResolved {
		delete(r.activeAlerts, key)
	} else {
		r.activeAlerts[key] = next.ID
	}
	return next, nil
}

func (r *Repository) ResolveAlert(ctx context.Context, id types.AlertID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.alerts[id]
	if !ok {
		return goerr.New("alert not found", goerr.V("alert_id", id), goerr.T(model.ErrTagNotFound))
	}
	a.Status = model.AlertResolved
	a.ResolvedAt = &at
	if r.activeAlerts[a.Key()] == id {
		delete(r.activeAlerts, a.Key())
	}
	return nil
}

func (r *Repository) ListAlerts(ctx context.Context, q model.AlertQuery) ([]*model.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []*model.Alert
	for _, a := range r.alerts {
		if q.Repository != "" && a.Repository != q.Repository {
			continue
		}
		if q.Status != "" && a.Status != q.Status {
			continue
		}
		list = append(list, cloneAlert(a))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].LastSeen.After(list[j].LastSeen) })
	if q.Limit > 0 && len(list) > q.Limit {
		list = list[:q.Limit]
	}
	return list, nil
}

func cloneEvent(ev *model.WebhookEvent) *model.WebhookEvent {
	if ev == nil {
		return nil
	}
	c := *ev
	c.Payload = slices.Clone(ev.Payload)
	return &c
}

func cloneRun(run *model.TestRun) *model.TestRun {
	c := *run
	c.FlakyTests = slices.Clone(run.FlakyTests)
	return &c
}

func cloneAlert(a *model.Alert) *model.Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.Context = maps.Clone(a.Context)
	return &c
}
