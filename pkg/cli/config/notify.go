package config

import (
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	slackinfra "github.com/m-mizutani/flakewatch/pkg/infra/slack"
	"github.com/urfave/cli/v3"
)

// Slack holds Slack notification configuration
type Slack struct {
	WebhookURL string `masq:"secret"`
	Token      string `masq:"secret"`
	Channel    string
	Interval   time.Duration
}

// Flags returns CLI flags for Slack configuration
func (c *Slack) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "slack-webhook-url",
			Usage:       "Slack incoming webhook URL",
			Destination: &c.WebhookURL,
			Sources:     cli.EnvVars("FLAKEWATCH_SLACK_WEBHOOK_URL"),
		},
		&cli.StringFlag{
			Name:        "slack-token",
			Usage:       "Slack bot token. Takes precedence over the webhook URL",
			Destination: &c.Token,
			Sources:     cli.EnvVars("FLAKEWATCH_SLACK_TOKEN"),
		},
		&cli.StringFlag{
			Name:        "slack-channel",
			Usage:       "Slack channel the bot posts to",
			Destination: &c.Channel,
			Sources:     cli.EnvVars("FLAKEWATCH_SLACK_CHANNEL"),
		},
		&cli.DurationFlag{
			Name:        "slack-interval",
			Usage:       "Minimum spacing between two Slack messages",
			Value:       slackinfra.DefaultInterval,
			Destination: &c.Interval,
			Sources:     cli.EnvVars("FLAKEWATCH_SLACK_INTERVAL"),
		},
	}
}

// Notifier returns the Slack channel, or nil when Slack is not configured
func (c *Slack) Notifier() interfaces.Notifier {
	opts := []slackinfra.Option{slackinfra.WithRate(c.Interval, 1)}
	switch {
	case c.Token != "" && c.Channel != "":
		return slackinfra.NewBotNotifier(c.Token, c.Channel, opts...)
	case c.WebhookURL != "":
		return slackinfra.NewWebhookNotifier(c.WebhookURL, opts...)
	}
	return nil
}
