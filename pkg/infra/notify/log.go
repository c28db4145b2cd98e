package notify

import (
	"context"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
)

// LogNotifier writes new alerts to the structured log
type LogNotifier struct{}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(ctx context.Context, alert *model.Alert) error {
	ctxlog.From(ctx).Warn("alert raised",
		"alert_id", alert.ID,
		"type", alert.Type,
		"severity", alert.Severity,
		"repository", alert.Repository,
		"pull_request", alert.PullRequest,
		"title", alert.Title,
		"message", alert.Message)
	return nil
}
