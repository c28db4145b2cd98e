package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collEvents       = "webhook_events"
	collDeliveries   = "webhook_deliveries"
	collDeadLetters  = "dead_letters"
	collAuthors      = "authors"
	collPullRequests = "pull_requests"
	collReviews      = "reviews"
	collTestRuns     = "test_runs"
	collTestResults  = "test_results"
	collAlertRules   = "alert_rules"
	collAlerts       = "alerts"
	collActiveAlerts = "active_alerts"
)

// Repository implements interfaces.Repository on Cloud Firestore. Natural
// keys map to deterministic document IDs and every read-modify-write runs in
// a transaction. The composite indexes its queries need are applied by
// Migrate.
type Repository struct {
	client     *firestore.Client
	projectID  string
	databaseID string
	prefix     string
}

var _ interfaces.Repository = (*Repository)(nil)

// Option configures Repository
type Option func(*Repository)

// WithCollectionPrefix prepends prefix to every collection name, so several
// deployments or test runs can share one database.
func WithCollectionPrefix(prefix string) Option {
	return func(r *Repository) {
		r.prefix = prefix
	}
}

// New connects to the Firestore database of the project
func New(ctx context.Context, projectID, databaseID string, opts ...Option) (*Repository, error) {
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	r := &Repository{client: client, projectID: projectID, databaseID: databaseID}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases the client
func (r *Repository) Close() error {
	return r.client.Close()
}

func (r *Repository) coll(name string) *firestore.CollectionRef {
	return r.client.Collection(r.prefix + name)
}

func docID(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:])
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

type deliveryIndex struct {
	EventID types.EventID `firestore:"event_id"`
}

func (r *Repository) CreateWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (*model.WebhookEvent, bool, error) {
	deliveryRef := r.coll(collDeliveries).Doc(docID(ev.DeliveryID))
	eventRef := r.coll(collEvents).Doc(ev.ID.String())

	var stored *model.WebhookEvent
	created := false

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored, created = nil, false

		snap, err := tx.Get(deliveryRef)
		if err != nil && !isNotFound(err) {
			return goerr.Wrap(err, "failed to get delivery index")
		}
		if snap != nil && snap.Exists() {
			var idx deliveryIndex
			if err := snap.DataTo(&idx); err != nil {
				return goerr.Wrap(err, "failed to decode delivery index")
			}
			evSnap, err := tx.Get(r.coll(collEvents).Doc(idx.EventID.String()))
			if err != nil {
				return goerr.Wrap(err, "failed to get indexed event", goerr.V("event_id", idx.EventID))
			}
			var existing model.WebhookEvent
			if err := evSnap.DataTo(&existing); err != nil {
				return goerr.Wrap(err, "failed to decode event")
			}
			stored = &existing
			return nil
		}

		if err := tx.Create(deliveryRef, deliveryIndex{EventID: ev.ID}); err != nil {
			return goerr.Wrap(err, "failed to create delivery index")
		}
		if err := tx.Create(eventRef, ev); err != nil {
			return goerr.Wrap(err, "failed to create event")
		}
		c := *ev
		stored, created = &c, true
		return nil
	})
	if err != nil {
		return nil, false, goerr.Wrap(err, "failed to insert webhook event",
			goerr.V("event_id", ev.ID),
			goerr.V("delivery_id", ev.DeliveryID))
	}

	return stored, created, nil
}

func (r *Repository) GetWebhookEvent(ctx context.Context, id types.EventID) (*model.WebhookEvent, error) {
	var ev model.WebhookEvent
	found, err := r.get(ctx, r.coll(collEvents).Doc(id.String()), &ev)
	if err != nil || !found {
		return nil, err
	}
	return &ev, nil
}

func (r *Repository) GetWebhookEventByDeliveryID(ctx context.Context, deliveryID string) (*model.WebhookEvent, error) {
	var idx deliveryIndex
	found, err := r.get(ctx, r.coll(collDeliveries).Doc(docID(deliveryID)), &idx)
	if err != nil || !found {
		return nil, err
	}
	return r.GetWebhookEvent(ctx, idx.EventID)
}

func (r *Repository) get(ctx context.Context, ref *firestore.DocumentRef, v any) (bool, error) {
	snap, err := ref.Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, goerr.Wrap(err, "failed to get document", goerr.V("path", ref.Path))
	}
	if err := snap.DataTo(v); err != nil {
		return false, goerr.Wrap(err, "failed to decode document", goerr.V("path", ref.Path))
	}
	return true, nil
}

// updateEvent runs fn on the event inside a transaction. fn returns false to
// leave the document untouched.
func (r *Repository) updateEvent(ctx context.Context, id types.EventID, fn func(ev *model.WebhookEvent) bool) (*model.WebhookEvent, bool, error) {
	ref := r.coll(collEvents).Doc(id.String())
	var result *model.WebhookEvent
	var written bool

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return goerr.New("webhook event not found", goerr.T(model.ErrTagNotFound))
			}
			return goerr.Wrap(err, "failed to get event")
		}

		var ev model.WebhookEvent
		if err := snap.DataTo(&ev); err != nil {
			return goerr.Wrap(err, "failed to decode event")
		}

		result, written = &ev, false
		if !fn(&ev) {
			return nil
		}
		written = true
		return tx.Set(ref, &ev)
	})
	if err != nil {
		return nil, false, goerr.Wrap(err, "failed to update webhook event", goerr.V("event_id", id))
	}
	return result, written, nil
}

func (r *Repository) ClaimWebhookEvent(ctx context.Context, id types.EventID, now time.Time) (*model.WebhookEvent, bool, error) {
	return r.updateEvent(ctx, id, func(ev *model.WebhookEvent) bool {
		if !ev.Claimable(now) {
			return false
		}
		ev.MarkProcessing(now)
		return true
	})
}

func (r *Repository) CompleteWebhookEvent(ctx context.Context, id types.EventID, now time.Time) (*model.WebhookEvent, error) {
	ev, _, err := r.updateEvent(ctx, id, func(ev *model.WebhookEvent) bool {
		ev.MarkCompleted(now)
		return true
	})
	return ev, err
}

func (r *Repository) FailWebhookEvent(ctx context.Context, id types.EventID, msg string, now time.Time, retryAfter *time.Time) (*model.WebhookEvent, error) {
	ev, _, err := r.updateEvent(ctx, id, func(ev *model.WebhookEvent) bool {
		ev.MarkFailed(msg, now, retryAfter)
		return true
	})
	return ev, err
}

func (r *Repository) SkipWebhookEvent(ctx context.Context, id types.EventID, now time.Time) (*model.WebhookEvent, error) {
	ev, _, err := r.updateEvent(ctx, id, func(ev *model.WebhookEvent) bool {
		ev.MarkSkipped(now)
		return true
	})
	return ev, err
}

func (r *Repository) ResetWebhookEvent(ctx context.Context, id types.EventID) (*model.WebhookEvent, error) {
	ev, _, err := r.updateEvent(ctx, id, func(ev *model.WebhookEvent) bool {
		ev.Reset()
		return true
	})
	return ev, err
}

func (r *Repository) ListRecoverableWebhookEvents(ctx context.Context, q model.RecoveryQuery) ([]*model.WebhookEvent, error) {
	queries := []firestore.Query{
		r.coll(collEvents).
			Where("status", "==", string(model.EventStatusPending)).
			Where("received_at", "<", q.PendingBefore),
		r.coll(collEvents).
			Where("status", "==", string(model.EventStatusFailed)).
			Where("retry_after", "<", q.RetryDueBefore),
		r.coll(collEvents).
			Where("status", "==", string(model.EventStatusProcessing)).
			Where("processing_started_at", "<", q.ProcessingBefore),
	}

	var found []*model.WebhookEvent
	for _, query := range queries {
		if q.Limit > 0 {
			query = query.Limit(q.Limit)
		}
		var events []*model.WebhookEvent
		if err := collect(ctx, query.Documents(ctx), &events); err != nil {
			return nil, goerr.Wrap(err, "failed to list recoverable events")
		}
		found = append(found, events...)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ReceivedAt.Before(found[j].ReceivedAt) })
	if q.Limit > 0 && len(found) > q.Limit {
		found = found[:q.Limit]
	}
	return found, nil
}

// collect decodes every document of iter into out, a pointer to a slice of
// pointers to structs.
func collect[T any](ctx context.Context, iter *firestore.DocumentIterator, out *[]*T) error {
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return goerr.Wrap(err, "failed to iterate documents")
		}

		var v T
		if err := snap.DataTo(&v); err != nil {
			ctxlog.From(ctx).Warn("skip undecodable document", "path", snap.Ref.Path, "error", err)
			continue
		}
		*out = append(*out, &v)
	}
}

func (r *Repository) PutDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	if _, err := r.coll(collDeadLetters).Doc(dl.ID.String()).Set(ctx, dl); err != nil {
		return goerr.Wrap(err, "failed to put dead letter", goerr.V("dead_letter_id", dl.ID))
	}
	return nil
}

func (r *Repository) GetDeadLetter(ctx context.Context, id types.DeadLetterID) (*model.DeadLetter, error) {
	var dl model.DeadLetter
	found, err := r.get(ctx, r.coll(collDeadLetters).Doc(id.String()), &dl)
	if err != nil || !found {
		return nil, err
	}
	return &dl, nil
}

func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	query := r.coll(collDeadLetters).OrderBy("failed_at", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}

	var list []*model.DeadLetter
	if err := collect(ctx, query.Documents(ctx), &list); err != nil {
		return nil, goerr.Wrap(err, "failed to list dead letters")
	}
	return list, nil
}

func (r *Repository) MarkDeadLetterReplayed(ctx context.Context, id types.DeadLetterID, at time.Time) error {
	_, err := r.coll(collDeadLetters).Doc(id.String()).Update(ctx, []firestore.Update{
		{Path: "replayed_at", Value: at},
	})
	if err != nil {
		if isNotFound(err) {
			return goerr.New("dead letter not found", goerr.V("dead_letter_id", id), goerr.T(model.ErrTagNotFound))
		}
		return goerr.Wrap(err, "failed to mark dead letter replayed", goerr.V("dead_letter_id", id))
	}
	return nil
}

func (r *Repository) PutAuthor(ctx context.Context, author *model.Author) error {
	id := strconv.FormatInt(author.ExternalID, 10)
	if _, err := r.coll(collAuthors).Doc(id).Set(ctx, author); err != nil {
		return goerr.Wrap(err, "failed to put author", goerr.V("author_id", author.ExternalID))
	}
	return nil
}

func (r *Repository) GetAuthor(ctx context.Context, externalID int64) (*model.Author, error) {
	var a model.Author
	found, err := r.get(ctx, r.coll(collAuthors).Doc(strconv.FormatInt(externalID, 10)), &a)
	if err != nil || !found {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) pullRequestRef(key model.PullRequestKey) *firestore.DocumentRef {
	return r.coll(collPullRequests).Doc(docID(key.Repository, strconv.Itoa(key.Number)))
}

func (r *Repository) UpdatePullRequest(ctx context.Context, key model.PullRequestKey, fn func(pr *model.PullRequest, exists bool) error) (*model.PullRequest, error) {
	ref := r.pullRequestRef(key)
	var result *model.PullRequest

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = nil
		pr := &model.PullRequest{}
		exists := false

		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := snap.DataTo(pr); err != nil {
				return goerr.Wrap(err, "failed to decode pull request")
			}
			exists = true
		case !isNotFound(err):
			return goerr.Wrap(err, "failed to get pull request")
		}

		if err := fn(pr, exists); err != nil {
			if errors.Is(err, model.ErrNoChange) {
				if exists {
					var current model.PullRequest
					if err := snap.DataTo(&current); err != nil {
						return goerr.Wrap(err, "failed to decode pull request")
					}
					result = &current
				}
				return nil
			}
			return err
		}

		result = pr
		return tx.Set(ref, pr)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update pull request", goerr.V("key", key.String()))
	}
	return result, nil
}

func (r *Repository) GetPullRequest(ctx context.Context, key model.PullRequestKey) (*model.PullRequest, error) {
	var pr model.PullRequest
	found, err := r.get(ctx, r.pullRequestRef(key), &pr)
	if err != nil || !found {
		return nil, err
	}
	return &pr, nil
}

func (r *Repository) FindPullRequestsByHeadSHA(ctx context.Context, repository, sha string) ([]*model.PullRequest, error) {
	query := r.coll(collPullRequests).
		Where("repository", "==", repository).
		Where("head_sha", "==", sha)

	var list []*model.PullRequest
	if err := collect(ctx, query.Documents(ctx), &list); err != nil {
		return nil, goerr.Wrap(err, "failed to find pull requests by head SHA",
			goerr.V("repository", repository), goerr.V("sha", sha))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Number < list[j].Number })
	return list, nil
}

func (r *Repository) PutReview(ctx context.Context, review *model.Review) error {
	id := strconv.FormatInt(review.ExternalID, 10)
	if _, err := r.coll(collReviews).Doc(id).Set(ctx, review); err != nil {
		return goerr.Wrap(err, "failed to put review", goerr.V("review_id", review.ExternalID))
	}
	return nil
}

func (r *Repository) reviewsQuery(key model.PullRequestKey) firestore.Query {
	return r.coll(collReviews).
		Where("repository", "==", key.Repository).
		Where("pull_request", "==", key.Number)
}

func (r *Repository) ListReviews(ctx context.Context, key model.PullRequestKey) ([]*model.Review, error) {
	var list []*model.Review
	if err := collect(ctx, r.reviewsQuery(key).Documents(ctx), &list); err != nil {
		return nil, goerr.Wrap(err, "failed to list reviews", goerr.V("key", key.String()))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].SubmittedAt.Before(list[j].SubmittedAt) })
	return list, nil
}

// UpdatePullRequestReviews reads the pull request and its reviews inside the
// transaction. A review committed by a concurrent transaction makes this one
// retry.
func (r *Repository) UpdatePullRequestReviews(ctx context.Context, review *model.Review, fn func(pr *model.PullRequest, exists bool, reviews []*model.Review) error) (*model.PullRequest, error) {
	key := review.PullRequestKey()
	ref := r.pullRequestRef(key)
	reviewRef := r.coll(collReviews).Doc(strconv.FormatInt(review.ExternalID, 10))
	var result *model.PullRequest

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = nil
		pr := &model.PullRequest{}
		exists := false

		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := snap.DataTo(pr); err != nil {
				return goerr.Wrap(err, "failed to decode pull request")
			}
			exists = true
		case !isNotFound(err):
			return goerr.Wrap(err, "failed to get pull request")
		}

		var stored []*model.Review
		if err := collect(ctx, tx.Documents(r.reviewsQuery(key)), &stored); err != nil {
			return goerr.Wrap(err, "failed to list reviews")
		}
		reviews := []*model.Review{review}
		for _, rv := range stored {
			if rv.ExternalID != review.ExternalID {
				reviews = append(reviews, rv)
			}
		}
		sort.Slice(reviews, func(i, j int) bool { return reviews[i].SubmittedAt.Before(reviews[j].SubmittedAt) })

		if err := fn(pr, exists, reviews); err != nil {
			return err
		}

		if err := tx.Set(reviewRef, review); err != nil {
			return err
		}
		result = pr
		return tx.Set(ref, pr)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update pull request reviews",
			goerr.V("key", key.String()),
			goerr.V("review_id", review.ExternalID))
	}
	return result, nil
}

func (r *Repository) UpdateTestRun(ctx context.Context, key model.TestRunKey, fn func(run *model.TestRun, exists bool) error) (*model.TestRun, error) {
	id := key.ID()
	ref := r.coll(collTestRuns).Doc(id.String())
	var result *model.TestRun

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = nil
		run := &model.TestRun{ID: id, Repository: key.Repository, ExternalID: key.ExternalID, Provider: key.Provider}
		exists := false

		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := snap.DataTo(run); err != nil {
				return goerr.Wrap(err, "failed to decode test run")
			}
			exists = true
		case !isNotFound(err):
			return goerr.Wrap(err, "failed to get test run")
		}

		if err := fn(run, exists); err != nil {
			if errors.Is(err, model.ErrNoChange) {
				if exists {
					var current model.TestRun
					if err := snap.DataTo(&current); err != nil {
						return goerr.Wrap(err, "failed to decode test run")
					}
					result = &current
				}
				return nil
			}
			return err
		}

		run.ID = id
		result = run
		return tx.Set(ref, run)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update test run", goerr.V("test_run_id", id))
	}
	return result, nil
}

func (r *Repository) GetTestRun(ctx context.Context, id types.TestRunID) (*model.TestRun, error) {
	var run model.TestRun
	found, err := r.get(ctx, r.coll(collTestRuns).Doc(id.String()), &run)
	if err != nil || !found {
		return nil, err
	}
	return &run, nil
}

func (r *Repository) PutTestResults(ctx context.Context, results []*model.TestResult) error {
	if len(results) == 0 {
		return nil
	}

	bw := r.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(results))
	for _, res := range results {
		ref := r.coll(collTestResults).Doc(docID(res.RunID.String(), res.TestID))
		job, err := bw.Set(ref, res)
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to queue test result", goerr.V("test_id", res.TestID))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to write test result",
				goerr.V("run_id", results[i].RunID),
				goerr.V("test_id", results[i].TestID))
		}
	}
	return nil
}

func (r *Repository) ListTestResults(ctx context.Context, runID types.TestRunID) ([]*model.TestResult, error) {
	query := r.coll(collTestResults).Where("run_id", "==", runID.String())

	var list []*model.TestResult
	if err := collect(ctx, query.Documents(ctx), &list); err != nil {
		return nil, goerr.Wrap(err, "failed to list test results", goerr.V("run_id", runID))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TestID < list[j].TestID })
	return list, nil
}

func (r *Repository) ListTestHistory(ctx context.Context, q model.TestHistoryQuery) ([]*model.TestResult, error) {
	query := r.coll(collTestResults).
		Where("repository", "==", q.Repository).
		Where("test_id", "==", q.TestID).
		Where("observed_at", ">=", q.Since).
		OrderBy("observed_at", firestore.Desc)
	if q.Limit > 0 {
		// the excluded run holds at most one result of the test
		query = query.Limit(q.Limit + 1)
	}

	var list []*model.TestResult
	if err := collect(ctx, query.Documents(ctx), &list); err != nil {
		return nil, goerr.Wrap(err, "failed to list test history",
			goerr.V("repository", q.Repository), goerr.V("test_id", q.TestID))
	}

	filtered := list[:0]
	for _, res := range list {
		if res.RunID != q.ExcludeRunID {
			filtered = append(filtered, res)
		}
	}
	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
	}
	return filtered, nil
}

func (r *Repository) PutAlertRule(ctx context.Context, rule *model.AlertRule) error {
	if _, err := r.coll(collAlertRules).Doc(string(rule.Trigger)).Set(ctx, rule); err != nil {
		return goerr.Wrap(err, "failed to put alert rule", goerr.V("rule_id", rule.ID))
	}
	return nil
}

func (r *Repository) GetAlertRuleByTrigger(ctx context.Context, trigger model.AlertTrigger) (*model.AlertRule, error) {
	var rule model.AlertRule
	found, err := r.get(ctx, r.coll(collAlertRules).Doc(string(trigger)), &rule)
	if err != nil || !found {
		return nil, err
	}
	return &rule, nil
}

type activeAlertIndex struct {
	AlertID types.AlertID `firestore:"alert_id"`
}

func (r *Repository) UpdateActiveAlert(ctx context.Context, key model.AlertKey, fn func(current *model.Alert) (*model.Alert, error)) (*model.Alert, error) {
	idxRef := r.coll(collActiveAlerts).Doc(key.Digest())
	var result *model.Alert

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = nil

		var current *model.Alert
		idxSnap, err := tx.Get(idxRef)
		switch {
		case err == nil:
			var idx activeAlertIndex
			if err := idxSnap.DataTo(&idx); err != nil {
				return goerr.Wrap(err, "failed to decode active alert index")
			}
			alertSnap, err := tx.Get(r.coll(collAlerts).Doc(idx.AlertID.String()))
			if err != nil {
				return goerr.Wrap(err, "failed to get active alert", goerr.V("alert_id", idx.AlertID))
			}
			current = &model.Alert{}
			if err := alertSnap.DataTo(current); err != nil {
				return goerr.Wrap(err, "failed to decode alert")
			}
		case !isNotFound(err):
			return goerr.Wrap(err, "failed to get active alert index")
		}

		result = current
		next, err := fn(current)
		if err != nil {
			if errors.Is(err, model.ErrNoChange) {
				return nil
			}
			return err
		}
		if next == nil {
			return nil
		}
		if next.Key() != key {
			return goerr.New("alert does not match its key", goerr.V("alert_id", next.ID))
		}

		if err := tx.Set(r.coll(collAlerts).Doc(next.ID.String()), next); err != nil {
			return err
		}
		if next.Status == model.AlertResolved {
			if err := tx.Delete(idxRef); err != nil {
				return err
			}
		} else if err := tx.Set(idxRef, activeAlertIndex{AlertID: next.ID}); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update active alert", goerr.V("fingerprint", key.Fingerprint))
	}
	return result, nil
}

func (r *Repository) ResolveAlert(ctx context.Context, id types.AlertID, at time.Time) error {
	ref := r.coll(collAlerts).Doc(id.String())

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return goerr.New("alert not found", goerr.T(model.ErrTagNotFound))
			}
			return goerr.Wrap(err, "failed to get alert")
		}
		var a model.Alert
		if err := snap.DataTo(&a); err != nil {
			return goerr.Wrap(err, "failed to decode alert")
		}

		idxRef := r.coll(collActiveAlerts).Doc(a.Key().Digest())
		idxSnap, err := tx.Get(idxRef)
		if err != nil && !isNotFound(err) {
			return goerr.Wrap(err, "failed to get active alert index")
		}

		a.Status = model.AlertResolved
		a.ResolvedAt = &at
		if err := tx.Set(ref, &a); err != nil {
			return err
		}

		if err == nil && idxSnap.Exists() {
			var idx activeAlertIndex
			if err := idxSnap.DataTo(&idx); err != nil {
				return goerr.Wrap(err, "failed to decode active alert index")
			}
			if idx.AlertID == id {
				return tx.Delete(idxRef)
			}
		}
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed to resolve alert", goerr.V("alert_id", id))
	}
	return nil
}

func (r *Repository) ListAlerts(ctx context.Context, q model.AlertQuery) ([]*model.Alert, error) {
	query := r.coll(collAlerts).Query
	if q.Repository != "" {
		query = query.Where("repository", "==", q.Repository)
	}
	if q.Status != "" {
		query = query.Where("status", "==", string(q.Status))
	}

	var list []*model.Alert
	if err := collect(ctx, query.Documents(ctx), &list); err != nil {
		return nil, goerr.Wrap(err, "failed to list alerts")
	}
	sort.Slice(list, func(i, j int) bool { return list[i].LastSeen.After(list[j].LastSeen) })
	if q.Limit > 0 && len(list) > q.Limit {
		list = list[:q.Limit]
	}
	return list, nil
}
