package config

import (
	"os"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v3"
)

// Policy is the tunable behavior of the pipeline. Every value has a compiled
// default; a policy file overrides the values it sets.
type Policy struct {
	Flakiness       model.FlakinessConfig
	Severity        model.SeverityConfig
	WebhookPolicy   model.RetryPolicy
	FlakinessPolicy model.RetryPolicy
	Rules           []*model.AlertRule
}

// DefaultPolicy returns the compiled defaults
func DefaultPolicy() *Policy {
	return &Policy{
		Flakiness:       model.DefaultFlakinessConfig(),
		Severity:        model.DefaultSeverityConfig(),
		WebhookPolicy:   model.DefaultWebhookPolicy(),
		FlakinessPolicy: model.DefaultFlakinessPolicy(),
	}
}

// PolicyFile holds the location of the policy file
type PolicyFile struct {
	Path string
}

// Flags returns CLI flags for the policy file
func (c *PolicyFile) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "policy",
			Usage:       "Path to a TOML policy file (thresholds, retry policies, alert rules)",
			Destination: &c.Path,
			Sources:     cli.EnvVars("FLAKEWATCH_POLICY"),
		},
	}
}

// Load reads the policy file, or returns the defaults when no path is set
func (c *PolicyFile) Load() (*Policy, error) {
	if c.Path == "" {
		return DefaultPolicy(), nil
	}

	raw, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", c.Path))
	}
	p, err := ParsePolicy(raw)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid policy file", goerr.V("path", c.Path))
	}
	return p, nil
}

// duration decodes TOML strings such as "30s" or "720h"
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return goerr.Wrap(err, "invalid duration", goerr.V("value", string(b)))
	}
	d.Duration = v
	return nil
}

type flakinessFile struct {
	Lookback           *duration `toml:"lookback"`
	HistoryLimit       *int      `toml:"history_limit"`
	MinFailureRate     *float64  `toml:"min_failure_rate"`
	MaxFailureRate     *float64  `toml:"max_failure_rate"`
	MinRuns            *int      `toml:"min_runs"`
	FullConfidenceRuns *int      `toml:"full_confidence_runs"`
}

type severityFile struct {
	HighRate         *float64 `toml:"high_rate"`
	HighConfidence   *float64 `toml:"high_confidence"`
	MediumRate       *float64 `toml:"medium_rate"`
	MediumConfidence *float64 `toml:"medium_confidence"`
}

type retryFile struct {
	MaxAttempts  *int      `toml:"max_attempts"`
	InitialDelay *duration `toml:"initial_delay"`
	Multiplier   *float64  `toml:"multiplier"`
	MaxDelay     *duration `toml:"max_delay"`
	Timeout      *duration `toml:"timeout"`
}

type policyFile struct {
	Flakiness flakinessFile `toml:"flakiness"`
	Severity  severityFile  `toml:"severity"`
	Retry     struct {
		Webhook   retryFile `toml:"webhook"`
		Flakiness retryFile `toml:"flakiness"`
	} `toml:"retry"`
	Rules []*model.AlertRule `toml:"rules"`
}

// ParsePolicy decodes a TOML policy over the defaults
func ParsePolicy(raw []byte) (*Policy, error) {
	var f policyFile
	if err := toml.Unmarshal(raw, &f); err != nil {
		return nil, goerr.Wrap(err, "failed to decode policy")
	}

	p := DefaultPolicy()
	setDuration(&p.Flakiness.Lookback, f.Flakiness.Lookback)
	set(&p.Flakiness.HistoryLimit, f.Flakiness.HistoryLimit)
	set(&p.Flakiness.MinFailureRate, f.Flakiness.MinFailureRate)
	set(&p.Flakiness.MaxFailureRate, f.Flakiness.MaxFailureRate)
	set(&p.Flakiness.MinRuns, f.Flakiness.MinRuns)
	set(&p.Flakiness.FullConfidenceRuns, f.Flakiness.FullConfidenceRuns)

	set(&p.Severity.HighRate, f.Severity.HighRate)
	set(&p.Severity.HighConfidence, f.Severity.HighConfidence)
	set(&p.Severity.MediumRate, f.Severity.MediumRate)
	set(&p.Severity.MediumConfidence, f.Severity.MediumConfidence)

	applyRetry(&p.WebhookPolicy, f.Retry.Webhook)
	applyRetry(&p.FlakinessPolicy, f.Retry.Flakiness)

	p.Rules = f.Rules
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the values a misconfiguration could break
func (p *Policy) Validate() error {
	fc := p.Flakiness
	if fc.MinFailureRate < 0 || fc.MaxFailureRate > 1 || fc.MinFailureRate > fc.MaxFailureRate {
		return goerr.New("flaky band must satisfy 0 <= min_failure_rate <= max_failure_rate <= 1",
			goerr.V("min", fc.MinFailureRate), goerr.V("max", fc.MaxFailureRate))
	}
	if fc.Lookback <= 0 || fc.HistoryLimit <= 0 {
		return goerr.New("lookback and history_limit must be positive")
	}
	for name, rp := range map[string]model.RetryPolicy{"webhook": p.WebhookPolicy, "flakiness": p.FlakinessPolicy} {
		if rp.MaxAttempts < 1 || rp.InitialDelay <= 0 || rp.Timeout <= 0 {
			return goerr.New("invalid retry policy", goerr.V("policy", name))
		}
	}
	for _, r := range p.Rules {
		if r.ID == "" || r.Trigger == "" {
			return goerr.New("alert rule lacks id or trigger", goerr.V("name", r.Name))
		}
	}
	return nil
}

func applyRetry(dst *model.RetryPolicy, f retryFile) {
	set(&dst.MaxAttempts, f.MaxAttempts)
	setDuration(&dst.InitialDelay, f.InitialDelay)
	set(&dst.Multiplier, f.Multiplier)
	setDuration(&dst.MaxDelay, f.MaxDelay)
	setDuration(&dst.Timeout, f.Timeout)
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *duration) {
	if src != nil {
		*dst = src.Duration
	}
}
