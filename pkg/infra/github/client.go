package github

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
	"github.com/m-mizutani/goerr/v2"
)

// Client is a GitHub API client authenticated as an App installation
type Client struct {
	githubClient *github.Client
}

type clientConfig struct {
	baseURL   string
	transport http.RoundTripper
}

// ClientOption configures NewClient
type ClientOption func(*clientConfig)

// WithBaseURL points the client at a GitHub Enterprise or test server
func WithBaseURL(baseURL string) ClientOption {
	return func(c *clientConfig) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithTransport replaces the underlying HTTP transport
func WithTransport(tr http.RoundTripper) ClientOption {
	return func(c *clientConfig) {
		c.transport = tr
	}
}

// NewClient creates a new GitHub client with App authentication
func NewClient(appID, installationID int64, privateKey []byte, opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{transport: http.DefaultTransport}
	for _, opt := range opts {
		opt(cfg)
	}

	itr, err := ghinstallation.New(cfg.transport, appID, installationID, privateKey)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create GitHub App transport",
			goerr.V("app_id", appID),
			goerr.V("installation_id", installationID))
	}

	githubClient := github.NewClient(&http.Client{Transport: itr})
	if cfg.baseURL != "" {
		itr.BaseURL = cfg.baseURL
		u, err := url.Parse(cfg.baseURL + "/")
		if err != nil {
			return nil, goerr.Wrap(err, "invalid GitHub base URL", goerr.V("base_url", cfg.baseURL))
		}
		githubClient.BaseURL = u
	}

	return &Client{githubClient: githubClient}, nil
}

// ListPullRequestCommits lists commits of a pull request, oldest first
func (c *Client) ListPullRequestCommits(ctx context.Context, owner, repo string, number int, opts *github.ListOptions) ([]*github.RepositoryCommit, *github.Response, error) {
	commits, resp, err := c.githubClient.PullRequests.ListCommits(ctx, owner, repo, number, opts)
	if err != nil {
		return nil, resp, goerr.Wrap(err, "failed to list pull request commits",
			goerr.V("owner", owner),
			goerr.V("repo", repo),
			goerr.V("number", number))
	}
	return commits, resp, nil
}

// CreateComment creates a comment on a pull request or issue
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int, comment *github.IssueComment) (*github.IssueComment, *github.Response, error) {
	created, resp, err := c.githubClient.Issues.CreateComment(ctx, owner, repo, number, comment)
	if err != nil {
		return nil, resp, goerr.Wrap(err, "failed to create comment",
			goerr.V("owner", owner),
			goerr.V("repo", repo),
			goerr.V("number", number))
	}
	return created, resp, nil
}
