package usecase

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/utils/async"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultRuleCacheTTL is how long a looked-up alert rule is reused
const DefaultRuleCacheTTL = time.Minute

type alertUseCase struct {
	repo      interfaces.AlertStore
	notifiers map[string]interfaces.Notifier
	severity  model.SeverityConfig
	ruleTTL   time.Duration
	rules     *expirable.LRU[model.AlertTrigger, *model.AlertRule]
}

// AlertOption configures the alert use case
type AlertOption func(*alertUseCase)

// WithNotifier registers a notification channel under its name
func WithNotifier(n interfaces.Notifier) AlertOption {
	return func(uc *alertUseCase) {
		uc.notifiers[n.Name()] = n
	}
}

// WithSeverityConfig overrides the severity thresholds
func WithSeverityConfig(cfg model.SeverityConfig) AlertOption {
	return func(uc *alertUseCase) {
		uc.severity = cfg
	}
}

// WithRuleCacheTTL sets how long rules are cached. Zero disables caching.
func WithRuleCacheTTL(d time.Duration) AlertOption {
	return func(uc *alertUseCase) {
		uc.ruleTTL = d
	}
}

// NewAlert creates a new instance of AlertUseCase
func NewAlert(repo interfaces.AlertStore, opts ...AlertOption) interfaces.AlertUseCase {
	uc := &alertUseCase{
		repo:      repo,
		notifiers: make(map[string]interfaces.Notifier),
		severity:  model.DefaultSeverityConfig(),
		ruleTTL:   DefaultRuleCacheTTL,
	}
	for _, opt := range opts {
		opt(uc)
	}
	if uc.ruleTTL > 0 {
		uc.rules = expirable.NewLRU[model.AlertTrigger, *model.AlertRule](16, nil, uc.ruleTTL)
	}
	return uc
}

func (uc *alertUseCase) rule(ctx context.Context, trigger model.AlertTrigger) (*model.AlertRule, error) {
	if uc.rules != nil {
		if rule, ok := uc.rules.Get(trigger); ok {
			return rule, nil
		}
	}

	rule, err := uc.repo.GetAlertRuleByTrigger(ctx, trigger)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get alert rule", goerr.V("trigger", trigger))
	}
	if rule == nil {
		if trigger != model.TriggerFlakyTest {
			return nil, nil
		}
		rule = model.DefaultFlakyTestRule()
	}

	if uc.rules != nil {
		uc.rules.Add(trigger, rule)
	}
	return rule, nil
}

// RaiseFlakyTest records a flaky finding as an alert. A finding whose
// fingerprint already has a non-resolved alert for the same rule, repository
// and pull request increments that alert instead of creating a new one. Only
// new alerts are sent to the notification channels.
func (uc *alertUseCase) RaiseFlakyTest(ctx context.Context, run *model.TestRun, finding *model.FlakyTest) (*model.Alert, error) {
	logger := ctxlog.From(ctx)

	rule, err := uc.rule(ctx, model.TriggerFlakyTest)
	if err != nil {
		return nil, err
	}
	if rule == nil || !rule.Enabled {
		logger.Debug("flaky test alert rule disabled", "test_id", finding.TestID)
		return nil, nil
	}

	key := model.AlertKey{
		RuleID:      rule.ID,
		Repository:  run.Repository,
		Fingerprint: model.Fingerprint(run.Repository, finding.Class, finding.Name),
	}
	if run.PullRequest != nil {
		key.PullRequest = *run.PullRequest
	}

	now := time.Now()
	var created bool
	alert, err := uc.repo.UpdateActiveAlert(ctx, key, func(current *model.Alert) (*model.Alert, error) {
		// fn may run more than once inside a store transaction
		created = current == nil
		if current == nil {
			return model.NewFlakyTestAlert(rule, key, finding, run.ID, uc.severity.SeverityFor(finding), now), nil
		}
		if !current.Recur(finding, run.ID, now) {
			return nil, model.ErrNoChange
		}
		return current, nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update alert",
			goerr.V("test_id", finding.TestID),
			goerr.V("fingerprint", key.Fingerprint))
	}

	logger.Info("flaky test alert recorded",
		"alert_id", alert.ID,
		"test_id", finding.TestID,
		"severity", alert.Severity,
		"occurrence", alert.OccurrenceCount,
		"created", created)

	if created {
		uc.notify(ctx, rule, alert)
	}
	return alert, nil
}

func (uc *alertUseCase) notify(ctx context.Context, rule *model.AlertRule, alert *model.Alert) {
	logger := ctxlog.From(ctx)

	for _, name := range rule.Channels {
		n, ok := uc.notifiers[name]
		if !ok {
			logger.Warn("notification channel not configured",
				"channel", name,
				"rule_id", rule.ID)
			continue
		}

		a := *alert
		async.Dispatch(ctx, func(ctx context.Context) error {
			if err := n.Notify(ctx, &a); err != nil {
				return goerr.Wrap(err, "failed to notify alert",
					goerr.V("channel", n.Name()),
					goerr.V("alert_id", a.ID))
			}
			return nil
		})
	}
}
