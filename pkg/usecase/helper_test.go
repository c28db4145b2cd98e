package usecase_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
)

// MockGitHubClient is a mock implementation of GitHubClient
type MockGitHubClient struct {
	listCommitsFunc   func(ctx context.Context, owner, repo string, number int, opts *github.ListOptions) ([]*github.RepositoryCommit, *github.Response, error)
	createCommentFunc func(ctx context.Context, owner, repo string, number int, comment *github.IssueComment) (*github.IssueComment, *github.Response, error)
}

func (m *MockGitHubClient) ListPullRequestCommits(ctx context.Context, owner, repo string, number int, opts *github.ListOptions) ([]*github.RepositoryCommit, *github.Response, error) {
	if m.listCommitsFunc != nil {
		return m.listCommitsFunc(ctx, owner, repo, number, opts)
	}
	return nil, nil, nil
}

func (m *MockGitHubClient) CreateComment(ctx context.Context, owner, repo string, number int, comment *github.IssueComment) (*github.IssueComment, *github.Response, error) {
	if m.createCommentFunc != nil {
		return m.createCommentFunc(ctx, owner, repo, number, comment)
	}
	return comment, nil, nil
}

// MockNotifier records the alerts it receives
type MockNotifier struct {
	name     string
	mu       sync.Mutex
	received []*model.Alert
	notified chan struct{}
}

func newMockNotifier(name string) *MockNotifier {
	return &MockNotifier{name: name, notified: make(chan struct{}, 16)}
}

func (m *MockNotifier) Name() string { return m.name }

func (m *MockNotifier) Notify(ctx context.Context, alert *model.Alert) error {
	m.mu.Lock()
	m.received = append(m.received, alert)
	m.mu.Unlock()
	m.notified <- struct{}{}
	return nil
}

func (m *MockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

// MockDispatcher records dispatched work
type MockDispatcher struct {
	mu       sync.Mutex
	events   []types.EventID
	analyses []types.TestRunID
	err      error
}

func (m *MockDispatcher) DispatchEvent(ctx context.Context, ev *model.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev.ID)
	return nil
}

func (m *MockDispatcher) DispatchAnalysis(ctx context.Context, runID types.TestRunID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.analyses = append(m.analyses, runID)
	return nil
}

func ptr[T any](v T) *T { return &v }

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}
