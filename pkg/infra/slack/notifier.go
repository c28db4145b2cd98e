package slack

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum spacing between two messages
const DefaultInterval = time.Second

// Notifier posts new alerts to Slack, either through an incoming webhook or
// with a bot token to a channel
type Notifier struct {
	webhookURL string
	channel    string
	api        *slack.Client
	limiter    *rate.Limiter
}

type config struct {
	interval time.Duration
	burst    int
	apiURL   string
}

// Option configures a Notifier
type Option func(*config)

// WithRate sets the minimum spacing between messages and the burst allowance
func WithRate(interval time.Duration, burst int) Option {
	return func(c *config) {
		c.interval = interval
		c.burst = burst
	}
}

// WithAPIURL points the bot token client at another Slack API endpoint
func WithAPIURL(u string) Option {
	return func(c *config) {
		c.apiURL = u
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{interval: DefaultInterval, burst: 1}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func newLimiter(cfg *config) *rate.Limiter {
	if cfg.interval <= 0 {
		return rate.NewLimiter(rate.Inf, max(cfg.burst, 1))
	}
	return rate.NewLimiter(rate.Every(cfg.interval), max(cfg.burst, 1))
}

// NewWebhookNotifier creates a Notifier posting to an incoming webhook URL
func NewWebhookNotifier(webhookURL string, opts ...Option) *Notifier {
	cfg := newConfig(opts)
	return &Notifier{
		webhookURL: webhookURL,
		limiter:    newLimiter(cfg),
	}
}

// NewBotNotifier creates a Notifier posting to a channel with a bot token
func NewBotNotifier(token, channel string, opts ...Option) *Notifier {
	cfg := newConfig(opts)
	var apiOpts []slack.Option
	if cfg.apiURL != "" {
		apiOpts = append(apiOpts, slack.OptionAPIURL(cfg.apiURL))
	}
	return &Notifier{
		channel: channel,
		api:     slack.New(token, apiOpts...),
		limiter: newLimiter(cfg),
	}
}

func (n *Notifier) Name() string { return "slack" }

// Notify waits for the rate limiter and posts the alert
func (n *Notifier) Notify(ctx context.Context, alert *model.Alert) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return goerr.Wrap(err, "slack rate limiter aborted", goerr.V("alert_id", alert.ID))
	}

	if n.api != nil {
		_, _, err := n.api.PostMessageContext(ctx, n.channel,
			slack.MsgOptionText(alert.Title, false),
			slack.MsgOptionAttachments(attachment(alert)),
		)
		if err != nil {
			return goerr.Wrap(err, "failed to post slack message",
				goerr.V("channel", n.channel),
				goerr.V("alert_id", alert.ID))
		}
		return nil
	}

	msg := &slack.WebhookMessage{
		Text:        alert.Title,
		Attachments: []slack.Attachment{attachment(alert)},
	}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		return goerr.Wrap(err, "failed to post slack webhook", goerr.V("alert_id", alert.ID))
	}
	return nil
}

var severityColors = map[model.AlertSeverity]string{
	model.SeverityHigh:   "danger",
	model.SeverityMedium: "warning",
	model.SeverityLow:    "#439FE0",
}

func attachment(alert *model.Alert) slack.Attachment {
	fields := []slack.AttachmentField{
		{Title: "Repository", Value: alert.Repository, Short: true},
		{Title: "Severity", Value: string(alert.Severity), Short: true},
	}
	if alert.PullRequest != 0 {
		fields = append(fields, slack.AttachmentField{
			Title: "Pull request",
			Value: fmt.Sprintf("<https://github.com/%s/pull/%d|#%d>", alert.Repository, alert.PullRequest, alert.PullRequest),
			Short: true,
		})
	}
	fields = append(fields, slack.AttachmentField{Title: "Occurrences", Value: fmt.Sprint(alert.OccurrenceCount), Short: true})

	return slack.Attachment{
		Color:  severityColors[alert.Severity],
		Text:   alert.Message,
		Fields: fields,
		Footer: fmt.Sprintf("alert %s", alert.ID),
	}
}
