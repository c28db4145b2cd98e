package config

import (
	"os"

	githubinfra "github.com/m-mizutani/flakewatch/pkg/infra/github"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

// GitHub holds GitHub configuration
type GitHub struct {
	WebhookSecret  string `masq:"secret"`
	AppID          int64
	InstallationID int64
	PrivateKey     string `masq:"secret"`
	PrivateKeyFile string
	BaseURL        string
}

// Flags returns CLI flags for GitHub configuration
func (c *GitHub) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "github-webhook-secret",
			Usage:       "GitHub webhook secret",
			Required:    true,
			Destination: &c.WebhookSecret,
			Sources:     cli.EnvVars("FLAKEWATCH_GITHUB_WEBHOOK_SECRET"),
		},
		&cli.Int64Flag{
			Name:        "github-app-id",
			Usage:       "GitHub App ID. Enables first-commit lookups and PR comments",
			Destination: &c.AppID,
			Sources:     cli.EnvVars("FLAKEWATCH_GITHUB_APP_ID"),
		},
		&cli.Int64Flag{
			Name:        "github-installation-id",
			Usage:       "GitHub App installation ID",
			Destination: &c.InstallationID,
			Sources:     cli.EnvVars("FLAKEWATCH_GITHUB_INSTALLATION_ID"),
		},
		&cli.StringFlag{
			Name:        "github-private-key",
			Usage:       "GitHub App private key (PEM)",
			Destination: &c.PrivateKey,
			Sources:     cli.EnvVars("FLAKEWATCH_GITHUB_PRIVATE_KEY"),
		},
		&cli.StringFlag{
			Name:        "github-private-key-file",
			Usage:       "Path to the GitHub App private key (PEM)",
			Destination: &c.PrivateKeyFile,
			Sources:     cli.EnvVars("FLAKEWATCH_GITHUB_PRIVATE_KEY_FILE"),
		},
		&cli.StringFlag{
			Name:        "github-base-url",
			Usage:       "GitHub API base URL for GitHub Enterprise",
			Destination: &c.BaseURL,
			Sources:     cli.EnvVars("FLAKEWATCH_GITHUB_BASE_URL"),
		},
	}
}

// AppEnabled reports whether App credentials are configured
func (c *GitHub) AppEnabled() bool {
	return c.AppID != 0 && c.InstallationID != 0 && (c.PrivateKey != "" || c.PrivateKeyFile != "")
}

// NewClient creates the App client. It returns nil without error when App
// credentials are not configured.
func (c *GitHub) NewClient() (*githubinfra.Client, error) {
	if !c.AppEnabled() {
		return nil, nil
	}

	key := []byte(c.PrivateKey)
	if len(key) == 0 {
		raw, err := os.ReadFile(c.PrivateKeyFile)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read GitHub App private key", goerr.V("path", c.PrivateKeyFile))
		}
		key = raw
	}

	var opts []githubinfra.ClientOption
	if c.BaseURL != "" {
		opts = append(opts, githubinfra.WithBaseURL(c.BaseURL))
	}
	return githubinfra.NewClient(c.AppID, c.InstallationID, key, opts...)
}
