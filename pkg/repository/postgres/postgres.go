package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/goerr/v2"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// maxConflictRetries bounds how often an upsert transaction is retried after
// losing an insert race on a unique key
const maxConflictRetries = 3

// Repository implements interfaces.Repository on PostgreSQL. Natural keys are
// primary or unique keys; read-modify-write runs in a transaction holding
// SELECT ... FOR UPDATE on the row.
type Repository struct {
	db *gorm.DB
}

var _ interfaces.Repository = (*Repository)(nil)

// New connects to PostgreSQL and migrates the schema
func New(ctx context.Context, dsn string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect to postgres")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get database instance")
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	r := &Repository{db: db}
	if err := r.Migrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Migrate creates the tables and indexes the repository relies on
func (r *Repository) Migrate(ctx context.Context) error {
	db := r.db.WithContext(ctx)
	if err := db.AutoMigrate(
		&webhookEventRow{},
		&deadLetterRow{},
		&authorRow{},
		&pullRequestRow{},
		&reviewRow{},
		&testRunRow{},
		&testResultRow{},
		&alertRuleRow{},
		&alertRow{},
	); err != nil {
		return goerr.Wrap(err, "failed to migrate schema")
	}

	// at most one non-resolved alert per dedup key
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active_key
		ON alerts (rule_id, repository, pull_request, fingerprint)
		WHERE status <> 'resolved'`).Error; err != nil {
		return goerr.Wrap(err, "failed to create active alert index")
	}
	return nil
}

// Close closes the connection pool
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return goerr.Wrap(err, "failed to get database instance")
	}
	return sqlDB.Close()
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return goerr.Wrap(err, "failed to get database instance")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return goerr.Wrap(err, "failed to ping postgres")
	}
	return nil
}

func (r *Repository) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

// upsertTx runs fn in a transaction and retries when a concurrent insert of
// the same natural key wins the race.
func (r *Repository) upsertTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = r.conn(ctx).Transaction(fn)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
	}
	return err
}

func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// take loads one row and reports whether it exists
func take(db *gorm.DB, dst any, query string, args ...any) (bool, error) {
	err := db.Where(query, args...).Take(dst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repository) CreateWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (*model.WebhookEvent, bool, error) {
	row := newWebhookEventRow(ev)
	res := r.conn(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "delivery_id"}}, DoNothing: true}).
		Create(row)
	if res.Error != nil {
		return nil, false, goerr.Wrap(res.Error, "failed to insert webhook event",
			goerr.V("event_id", ev.ID),
			goerr.V("delivery_id", ev.DeliveryID))
	}
	if res.RowsAffected == 1 {
		return row.toModel(), true, nil
	}

	existing, err := r.GetWebhookEventByDeliveryID(ctx, ev.DeliveryID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, goerr.New("conflicting delivery disappeared", goerr.V("delivery_id", ev.DeliveryID))
	}
	return existing, false, nil
}

func (r *Repository) GetWebhookEvent(ctx context.Context, id types.EventID) (*model.WebhookEvent, error) {
	var row webhookEventRow
	found, err := take(r.conn(ctx), &row, "id = ?", id.String())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get webhook event", goerr.V("event_id", id))
	}
	if !found {
		return nil, nil
	}
	return row.toModel(), nil
}

func (r *Repository) GetWebhookEventByDeliveryID(ctx context.Context, deliveryID string) (*model.WebhookEvent, error) {
	var row webhookEventRow
	found, err := take(r.conn(ctx), &row, "delivery_id = ?", deliveryID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get webhook event", goerr.V("delivery_id", deliveryID))
	}
	if !found {
		return nil, nil
	}
	return row.toModel(), nil
}

func (r *Repository) ClaimWebhookEvent(ctx context.Context, id types.EventID, now time.Time) (*model.WebhookEvent, bool, error) {
	res := r.conn(ctx).Model(&webhookEventRow{}).
		Where("id = ?", id.String()).
		Where("(status = ? OR (status = ? AND retry_after IS NOT NULL AND retry_after <= ?))",
			string(model.EventStatusPending), string(model.EventStatusFailed), now).
		Updates(map[string]any{
			"status":                string(model.EventStatusProcessing),
			"processing_started_at": now,
		})
	if res.Error != nil {
		return nil, false, goerr.Wrap(res.Error, "failed to claim webhook event", goerr.V("event_id", id))
	}

	ev, err := r.GetWebhookEvent(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if ev == nil {
		return nil, false, goerr.New("webhook event not found", goerr.V("event_id", id), goerr.T(model.ErrTagNotFound))
	}
	return ev, res.RowsAffected == 1, nil
}

func (r *Repository) updateEvent(ctx context.Context, id types.EventID, fn func(ev *model.WebhookEvent)) (*model.WebhookEvent, error) {
	var result *model.WebhookEvent
	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var row webhookEventRow
		found, err := take(forUpdate(tx), &row, "id = ?", id.String())
		if err != nil {
			return err
		}
		if !found {
			return goerr.New("webhook event not found", goerr.T(model.ErrTagNotFound))
		}

		ev := row.toModel()
		fn(ev)
		if err := tx.Save(newWebhookEventRow(ev)).Error; err != nil {
			return err
		}
		result = ev
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update webhook event", goerr.V("event_id", id))
	}
	return result, nil
}

func (r *Repository) CompleteWebhookEvent(ctx context.Context, id types.EventID, now time.Time) (*model.WebhookEvent, error) {
	return r.updateEvent(ctx, id, func(ev *model.WebhookEvent) { ev.MarkCompleted(now) })
}

func (r *Repository) FailWebhookEvent(ctx context.Context, id types.EventID, msg string, now time.Time, retryAfter *time.Time) (*model.WebhookEvent, error) {
	return r.updateEvent(ctx, id, func(ev *model.WebhookEvent) { ev.MarkFailed(msg, now, retryAfter) })
}

func (r *Repository) SkipWebhookEvent(ctx context.Context, id types.EventID, now time.Time) (*model.WebhookEvent, error) {
	return r.updateEvent(ctx, id, func(ev *model.WebhookEvent) { ev.MarkSkipped(now) })
}

func (r *Repository) ResetWebhookEvent(ctx context.Context, id types.EventID) (*model.WebhookEvent, error) {
	return r.updateEvent(ctx, id, func(ev *model.WebhookEvent) { ev.Reset() })
}

func (r *Repository) ListRecoverableWebhookEvents(ctx context.Context, q model.RecoveryQuery) ([]*model.WebhookEvent, error) {
	query := r.conn(ctx).
		Where("status = ? AND received_at < ?", string(model.EventStatusPending), q.PendingBefore).
		Or("status = ? AND retry_after IS NOT NULL AND retry_after < ?", string(model.EventStatusFailed), q.RetryDueBefore).
		Or("status = ? AND processing_started_at < ?", string(model.EventStatusProcessing), q.ProcessingBefore).
		Order("received_at ASC")
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var rows []webhookEventRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, goerr.Wrap(err, "failed to list recoverable webhook events")
	}

	events := make([]*model.WebhookEvent, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].toModel())
	}
	return events, nil
}

func (r *Repository) PutDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	if err := r.conn(ctx).Save(newDeadLetterRow(dl)).Error; err != nil {
		return goerr.Wrap(err, "failed to put dead letter", goerr.V("dead_letter_id", dl.ID))
	}
	return nil
}

func (r *Repository) GetDeadLetter(ctx context.Context, id types.DeadLetterID) (*model.DeadLetter, error) {
	var row deadLetterRow
	found, err := take(r.conn(ctx), &row, "id = ?", id.String())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get dead letter", goerr.V("dead_letter_id", id))
	}
	if !found {
		return nil, nil
	}
	return row.toModel(), nil
}

func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	query := r.conn(ctx).Order("failed_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []deadLetterRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, goerr.Wrap(err, "failed to list dead letters")
	}

	list := make([]*model.DeadLetter, 0, len(rows))
	for i := range rows {
		list = append(list, rows[i].toModel())
	}
	return list, nil
}

func (r *Repository) MarkDeadLetterReplayed(ctx context.Context, id types.DeadLetterID, at time.Time) error {
	res := r.conn(ctx).Model(&deadLetterRow{}).Where("id = ?", id.String()).Update("replayed_at", at)
	if res.Error != nil {
		return goerr.Wrap(res.Error, "failed to mark dead letter replayed", goerr.V("dead_letter_id", id))
	}
	if res.RowsAffected == 0 {
		return goerr.New("dead letter not found", goerr.V("dead_letter_id", id), goerr.T(model.ErrTagNotFound))
	}
	return nil
}

func (r *Repository) PutAuthor(ctx context.Context, author *model.Author) error {
	row := authorRow(*author)
	if err := r.conn(ctx).Save(&row).Error; err != nil {
		return goerr.Wrap(err, "failed to put author", goerr.V("author_id", author.ExternalID))
	}
	return nil
}

func (r *Repository) GetAuthor(ctx context.Context, externalID int64) (*model.Author, error) {
	var row authorRow
	found, err := take(r.conn(ctx), &row, "external_id = ?", externalID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get author", goerr.V("author_id", externalID))
	}
	if !found {
		return nil, nil
	}
	a := model.Author(row)
	return &a, nil
}

func (r *Repository) UpdatePullRequest(ctx context.Context, key model.PullRequestKey, fn func(pr *model.PullRequest, exists bool) error) (*model.PullRequest, error) {
	var result *model.PullRequest

	err := r.upsertTx(ctx, func(tx *gorm.DB) error {
		result = nil

		var row pullRequestRow
		exists, err := take(forUpdate(tx), &row, "repository = ? AND number = ?", key.Repository, key.Number)
		if err != nil {
			return err
		}

		pr := &model.PullRequest{}
		if exists {
			pr = row.toModel()
		}

		if err := fn(pr, exists); err != nil {
			if errors.Is(err, model.ErrNoChange) {
				if exists {
					result = row.toModel()
				}
				return nil
			}
			return err
		}

		next := newPullRequestRow(pr)
		if exists {
			err = tx.Save(next).Error
		} else {
			err = tx.Create(next).Error
		}
		if err != nil {
			return err
		}
		result = pr
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update pull request", goerr.V("key", key.String()))
	}
	return result, nil
}

func (r *Repository) GetPullRequest(ctx context.Context, key model.PullRequestKey) (*model.PullRequest, error) {
	var row pullRequestRow
	found, err := take(r.conn(ctx), &row, "repository = ? AND number = ?", key.Repository, key.Number)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get pull request", goerr.V("key", key.String()))
	}
	if !found {
		return nil, nil
	}
	return row.toModel(), nil
}

func (r *Repository) FindPullRequestsByHeadSHA(ctx context.Context, repository, sha string) ([]*model.PullRequest, error) {
	var rows []pullRequestRow
	err := r.conn(ctx).
		Where("repository = ? AND head_sha = ?", repository, sha).
		Order("number ASC").
		Find(&rows).Error
	if err != nil {
		return nil, goerr.Wrap(err, "failed to find pull requests by head SHA",
			goerr.V("repository", repository), goerr.V("sha", sha))
	}

	list := make([]*model.PullRequest, 0, len(rows))
	for i := range rows {
		list = append(list, rows[i].toModel())
	}
	return list, nil
}

func (r *Repository) PutReview(ctx context.Context, review *model.Review) error {
	if err := r.conn(ctx).Save(newReviewRow(review)).Error; err != nil {
		return goerr.Wrap(err, "failed to put review", goerr.V("review_id", review.ExternalID))
	}
	return nil
}

func listReviewRows(db *gorm.DB, key model.PullRequestKey) ([]*model.Review, error) {
	var rows []reviewRow
	err := db.
		Where("repository = ? AND pull_request = ?", key.Repository, key.Number).
		Order("submitted_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	list := make([]*model.Review, 0, len(rows))
	for i := range rows {
		list = append(list, rows[i].toModel())
	}
	return list, nil
}

func (r *Repository) ListReviews(ctx context.Context, key model.PullRequestKey) ([]*model.Review, error) {
	list, err := listReviewRows(r.conn(ctx), key)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list reviews", goerr.V("key", key.String()))
	}
	return list, nil
}

// UpdatePullRequestReviews locks the pull request row first, so concurrent
// reviews of one pull request are applied one after another and each sees
// the reviews committed before it.
func (r *Repository) UpdatePullRequestReviews(ctx context.Context, review *model.Review, fn func(pr *model.PullRequest, exists bool, reviews []*model.Review) error) (*model.PullRequest, error) {
	key := review.PullRequestKey()
	var result *model.PullRequest

	err := r.upsertTx(ctx, func(tx *gorm.DB) error {
		result = nil

		var row pullRequestRow
		exists, err := take(forUpdate(tx), &row, "repository = ? AND number = ?", key.Repository, key.Number)
		if err != nil {
			return err
		}
		pr := &model.PullRequest{}
		if exists {
			pr = row.toModel()
		}

		if err := tx.Save(newReviewRow(review)).Error; err != nil {
			return err
		}
		reviews, err := listReviewRows(tx, key)
		if err != nil {
			return err
		}

		if err := fn(pr, exists, reviews); err != nil {
			return err
		}

		next := newPullRequestRow(pr)
		if exists {
			err = tx.Save(next).Error
		} else {
			err = tx.Create(next).Error
		}
		if err != nil {
			return err
		}
		result = pr
		return nil
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
	var result *model.TestRun

	err := r.upsertTx(ctx, func(tx *gorm.DB) error {
		result = nil

		var row testRunRow
		exists, err := take(forUpdate(tx), &row, "id = ?", id.String())
		if err != nil {
			return err
		}

		run := &model.TestRun{ID: id, Repository: key.Repository, ExternalID: key.ExternalID, Provider: key.Provider}
		if exists {
			run = row.toModel()
		}

		if err := fn(run, exists); err != nil {
			if errors.Is(err, model.ErrNoChange) {
				if exists {
					result = row.toModel()
				}
				return nil
			}
			return err
		}

		run.ID = id
		next := newTestRunRow(run)
		if exists {
			err = tx.Save(next).Error
		} else {
			err = tx.Create(next).Error
		}
		if err != nil {
			return err
		}
		result = run
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update test run", goerr.V("test_run_id", id))
	}
	return result, nil
}

func (r *Repository) GetTestRun(ctx context.Context, id types.TestRunID) (*model.TestRun, error) {
	var row testRunRow
	found, err := take(r.conn(ctx), &row, "id = ?", id.String())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get test run", goerr.V("test_run_id", id))
	}
	if !found {
		return nil, nil
	}
	return row.toModel(), nil
}

func (r *Repository) PutTestResults(ctx context.Context, results []*model.TestResult) error {
	if len(results) == 0 {
		return nil
	}

	rows := make([]*testResultRow, 0, len(results))
	for _, res := range results {
		rows = append(rows, &testResultRow{
			RunID:          res.RunID.String(),
			TestID:         res.TestID,
			Repository:     res.Repository,
			File:           res.File,
			Class:          res.Class,
			Name:           res.Name,
			Status:         string(res.Status),
			DurationMS:     res.DurationMS,
			FailureMessage: res.FailureMessage,
			Flaky:          res.Flaky,
			RetryCount:     res.RetryCount,
			ObservedAt:     res.ObservedAt,
		})
	}

	err := r.conn(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "test_id"}},
			UpdateAll: true,
		}).
		CreateInBatches(rows, 500).Error
	if err != nil {
		return goerr.Wrap(err, "failed to put test results", goerr.V("count", len(rows)))
	}
	return nil
}

func resultToModel(row *testResultRow) *model.TestResult {
	return &model.TestResult{
		RunID:          types.TestRunID(row.RunID),
		Repository:     row.Repository,
		TestID:         row.TestID,
		File:           row.File,
		Class:          row.Class,
		Name:           row.Name,
		Status:         model.TestStatus(row.Status),
		DurationMS:     row.DurationMS,
		FailureMessage: row.FailureMessage,
		Flaky:          row.Flaky,
		RetryCount:     row.RetryCount,
		ObservedAt:     row.ObservedAt,
	}
}

func (r *Repository) ListTestResults(ctx context.Context, runID types.TestRunID) ([]*model.TestResult, error) {
	var rows []testResultRow
	err := r.conn(ctx).Where("run_id = ?", runID.String()).Order("test_id ASC").Find(&rows).Error
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list test results", goerr.V("run_id", runID))
	}

	list := make([]*model.TestResult, 0, len(rows))
	for i := range rows {
		list = append(list, resultToModel(&rows[i]))
	}
	return list, nil
}

func (r *Repository) ListTestHistory(ctx context.Context, q model.TestHistoryQuery) ([]*model.TestResult, error) {
	query := r.conn(ctx).
		Where("repository = ? AND test_id = ? AND observed_at >= ?", q.Repository, q.TestID, q.Since).
		Where("run_id <> ?", q.ExcludeRunID.String()).
		Order("observed_at DESC")
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var rows []testResultRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, goerr.Wrap(err, "failed to list test history",
			goerr.V("repository", q.Repository), goerr.V("test_id", q.TestID))
	}

	list := make([]*model.TestResult, 0, len(rows))
	for i := range rows {
		list = append(list, resultToModel(&rows[i]))
	}
	return list, nil
}

func (r *Repository) PutAlertRule(ctx context.Context, rule *model.AlertRule) error {
	row := &alertRuleRow{
		ID:              rule.ID,
		Name:            rule.Name,
		Trigger:         string(rule.Trigger),
		Enabled:         rule.Enabled,
		CooldownMinutes: rule.CooldownMinutes,
		DailyCap:        rule.DailyCap,
		Channels:        datatypes.NewJSONSlice(rule.Channels),
	}
	err := r.conn(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "trigger"}}, UpdateAll: true}).
		Create(row).Error
	if err != nil {
		return goerr.Wrap(err, "failed to put alert rule", goerr.V("rule_id", rule.ID))
	}
	return nil
}

func (r *Repository) GetAlertRuleByTrigger(ctx context.Context, trigger model.AlertTrigger) (*model.AlertRule, error) {
	var row alertRuleRow
	found, err := take(r.conn(ctx), &row, `"trigger" = ?`, string(trigger))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get alert rule", goerr.V("trigger", trigger))
	}
	if !found {
		return nil, nil
	}
	return &model.AlertRule{
		ID:              row.ID,
		Name:            row.Name,
		Trigger:         model.AlertTrigger(row.Trigger),
		Enabled:         row.Enabled,
		CooldownMinutes: row.CooldownMinutes,
		DailyCap:        row.DailyCap,
		Channels:        []string(row.Channels),
	}, nil
}

func (r *Repository) UpdateActiveAlert(ctx context.Context, key model.AlertKey, fn func(current *model.Alert) (*model.Alert, error)) (*model.Alert, error) {
	var result *model.Alert

	err := r.upsertTx(ctx, func(tx *gorm.DB) error {
		result = nil

		var row alertRow
		exists, err := take(forUpdate(tx), &row,
			"rule_id = ? AND repository = ? AND pull_request = ? AND fingerprint = ? AND status <> ?",
			key.RuleID, key.Repository, key.PullRequest, key.Fingerprint, string(model.AlertResolved))
		if err != nil {
			return err
		}

		var current *model.Alert
		if exists {
			current = row.toModel()
			result = row.toModel()
		}

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

		if exists && next.ID == current.ID {
			err = tx.Save(newAlertRow(next)).Error
		} else {
			err = tx.Create(newAlertRow(next)).Error
		}
		if err != nil {
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
	res := r.conn(ctx).Model(&alertRow{}).Where("id = ?", id.String()).Updates(map[string]any{
		"status":      string(model.AlertResolved),
		"resolved_at": at,
	})
	if res.Error != nil {
		return goerr.Wrap(res.Error, "failed to resolve alert", goerr.V("alert_id", id))
	}
	if res.RowsAffected == 0 {
		return goerr.New("alert not found", goerr.V("alert_id", id), goerr.T(model.ErrTagNotFound))
	}
	return nil
}

func (r *Repository) ListAlerts(ctx context.Context, q model.AlertQuery) ([]*model.Alert, error) {
	query := r.conn(ctx).Order("last_seen DESC")
	if q.Repository != "" {
		query = query.Where("repository = ?", q.Repository)
	}
	if q.Status != "" {
		query = query.Where("status = ?", string(q.Status))
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var rows []alertRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, goerr.Wrap(err, "failed to list alerts")
	}

	list := make([]*model.Alert, 0, len(rows))
	for i := range rows {
		list = append(list, rows[i].toModel())
	}
	return list, nil
}
