package github_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/gt"

	githubcontroller "github.com/m-mizutani/flakewatch/pkg/controller/github"
)

// MockPullRequestUseCase is a mock implementation of PullRequestUseCase
type MockPullRequestUseCase struct {
	pullRequests []*model.PullRequestObservation
	reviews      []*model.Review
	statuses     []*model.CommitStatusObservation
}

func (m *MockPullRequestUseCase) ApplyPullRequest(ctx context.Context, obs *model.PullRequestObservation) (*model.PullRequest, error) {
	m.pullRequests = append(m.pullRequests, obs)
	return &model.PullRequest{Repository: obs.Repository, Number: obs.Number}, nil
}

func (m *MockPullRequestUseCase) ApplyReview(ctx context.Context, obs *model.PullRequestObservation, review *model.Review) (*model.PullRequest, error) {
	m.pullRequests = append(m.pullRequests, obs)
	m.reviews = append(m.reviews, review)
	return &model.PullRequest{Repository: obs.Repository, Number: obs.Number}, nil
}

func (m *MockPullRequestUseCase) ApplyCommitStatus(ctx context.Context, obs *model.CommitStatusObservation) ([]*model.PullRequest, error) {
	m.statuses = append(m.statuses, obs)
	return nil, nil
}

// MockCIUseCase is a mock implementation of CIUseCase
type MockCIUseCase struct {
	applyFunc func(ctx context.Context, obs *model.CIRunObservation) (*model.TestRun, error)
	runs      []*model.CIRunObservation
}

func (m *MockCIUseCase) ApplyCIRun(ctx context.Context, obs *model.CIRunObservation) (*model.TestRun, error) {
	m.runs = append(m.runs, obs)
	if m.applyFunc != nil {
		return m.applyFunc(ctx, obs)
	}
	return &model.TestRun{ID: obs.Key().ID()}, nil
}

func newEvent(category model.EventCategory, action, payload string) *model.WebhookEvent {
	return &model.WebhookEvent{
		ID:         types.NewEventID(),
		DeliveryID: "delivery-1",
		Category:   category,
		Action:     action,
		Payload:    []byte(payload),
	}
}

func TestEventProcessor_PullRequest(t *testing.T) {
	prUC := &MockPullRequestUseCase{}
	processor := githubcontroller.NewEventProcessor(prUC, &MockCIUseCase{})

	payload := `{
		"action": "closed",
		"number": 42,
		"pull_request": {
			"id": 1001,
			"number": 42,
			"title": "Add retries",
			"state": "closed",
			"merged": true,
			"draft": false,
			"additions": 10,
			"deletions": 2,
			"changed_files": 3,
			"commits": 4,
			"user": {"id": 7, "login": "alice", "type": "User"},
			"head": {"ref": "feature", "sha": "abc123"},
			"base": {"ref": "main"},
			"created_at": "2024-03-01T10:00:00Z",
			"updated_at": "2024-03-02T10:00:00Z",
			"closed_at": "2024-03-02T10:00:00Z",
			"merged_at": "2024-03-02T10:00:00Z"
		},
		"repository": {"full_name": "octo/repo"}
	}`

	err := processor.Process(context.Background(), newEvent(model.CategoryPullRequest, "closed", payload))
	gt.NoError(t, err)
	gt.A(t, prUC.pullRequests).Length(1)

	obs := prUC.pullRequests[0]
	gt.Equal(t, obs.Repository, "octo/repo")
	gt.Equal(t, obs.Number, 42)
	gt.Equal(t, obs.ExternalID, int64(1001))
	gt.True(t, obs.Merged)
	gt.Equal(t, obs.HeadSHA, "abc123")
	gt.Equal(t, obs.BaseRef, "main")
	gt.Equal(t, *obs.Additions, 10)
	gt.Value(t, obs.MergedAt).NotNil()
	gt.Value(t, obs.Author).NotNil()
	gt.Equal(t, obs.Author.Login, "alice")
	gt.Equal(t, obs.Author.ExternalID, int64(7))
}

func TestEventProcessor_Review(t *testing.T) {
	prUC := &MockPullRequestUseCase{}
	processor := githubcontroller.NewEventProcessor(prUC, &MockCIUseCase{})

	payload := `{
		"action": "submitted",
		"review": {
			"id": 555,
			"state": "APPROVED",
			"user": {"id": 9, "login": "bob"},
			"submitted_at": "2024-03-01T12:00:00Z"
		},
		"pull_request": {"number": 42, "user": {"id": 7, "login": "alice"}},
		"repository": {"full_name": "octo/repo"}
	}`

	err := processor.Process(context.Background(), newEvent(model.CategoryPullRequestReview, "submitted", payload))
	gt.NoError(t, err)
	gt.A(t, prUC.reviews).Length(1)

	review := prUC.reviews[0]
	gt.Equal(t, review.ExternalID, int64(555))
	gt.Equal(t, review.State, model.ReviewApproved)
	gt.Equal(t, review.ReviewerID, int64(9))
	gt.Equal(t, review.PullRequest, 42)
	gt.Equal(t, review.Repository, "octo/repo")
}

func TestEventProcessor_CheckRunWithReport(t *testing.T) {
	ciUC := &MockCIUseCase{}
	processor := githubcontroller.NewEventProcessor(&MockPullRequestUseCase{}, ciUC)

	payload := `{
		"action": "completed",
		"check_run": {
			"id": 77,
			"name": "unit",
			"status": "completed",
			"conclusion": "failure",
			"head_sha": "abc123",
			"started_at": "2024-03-01T10:00:00Z",
			"completed_at": "2024-03-01T10:05:00Z",
			"pull_requests": [{"number": 42}],
			"check_suite": {"head_branch": "feature"},
			"output": {
				"summary": "1 passed, 1 failed",
				"text": "{\"tests\":[{\"file\":\"a_test.go\",\"class\":\"pkg\",\"name\":\"TestA\",\"status\":\"passed\"},{\"file\":\"a_test.go\",\"class\":\"pkg\",\"name\":\"TestB\",\"status\":\"failed\",\"failure_message\":\"boom\"}]}"
			}
		},
		"repository": {"full_name": "octo/repo"}
	}`

	err := processor.Process(context.Background(), newEvent(model.CategoryCheckRun, "completed", payload))
	gt.NoError(t, err)
	gt.A(t, ciUC.runs).Length(1)

	obs := ciUC.runs[0]
	gt.Equal(t, obs.Provider, model.ProviderCheckRun)
	gt.Equal(t, obs.ExternalID, "77")
	gt.Equal(t, obs.HeadBranch, "feature")
	gt.A(t, obs.PullRequests).Length(1)
	gt.Equal(t, obs.PullRequests[0], 42)
	gt.Value(t, obs.CompletedAt).NotNil()
	gt.Value(t, obs.Report).NotNil()
	gt.Equal(t, obs.Report.Failed, 1)
	gt.A(t, obs.Report.Cases).Length(2)
	gt.Equal(t, obs.Report.Cases[1].FailureMessage, "boom")
}

func TestEventProcessor_CheckRunWithUnreadableReport(t *testing.T) {
	testCases := []struct {
		name      string
		text      string
		summary   string
		wantTotal int
		hasReport bool
	}{
		{name: "brace without JSON", text: "{{ build log excerpt }}"},
		{name: "prose mentioning testsuite", text: "see <testsuite> docs for details"},
		{name: "nameless test only", text: `{"tests":[{"status":"failed"}]}`, hasReport: true},
		{name: "falls back to summary", text: "{ not json", summary: "8 passed, 2 failed", wantTotal: 10, hasReport: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ciUC := &MockCIUseCase{}
			processor := githubcontroller.NewEventProcessor(&MockPullRequestUseCase{}, ciUC)

			payload, err := json.Marshal(map[string]any{
				"action": "completed",
				"check_run": map[string]any{
					"id":           78,
					"name":         "unit",
					"status":       "completed",
					"conclusion":   "failure",
					"head_sha":     "abc123",
					"completed_at": "2024-03-01T10:05:00Z",
					"output":       map[string]any{"text": tc.text, "summary": tc.summary},
				},
				"repository": map[string]any{"full_name": "octo/repo"},
			})
			gt.NoError(t, err)

			err = processor.Process(context.Background(), newEvent(model.CategoryCheckRun, "completed", string(payload)))
			gt.NoError(t, err)
			gt.A(t, ciUC.runs).Length(1)

			obs := ciUC.runs[0]
			gt.Equal(t, obs.ExternalID, "78")
			gt.Equal(t, obs.Conclusion, "failure")
			if !tc.hasReport {
				gt.Value(t, obs.Report).Nil()
				return
			}
			gt.Value(t, obs.Report).NotNil()
			gt.A(t, obs.Report.Cases).Length(0)
			gt.Equal(t, obs.Report.Total, tc.wantTotal)
		})
	}
}

func TestEventProcessor_CIProvidersAreDistinct(t *testing.T) {
	ciUC := &MockCIUseCase{}
	processor := githubcontroller.NewEventProcessor(&MockPullRequestUseCase{}, ciUC)
	ctx := context.Background()

	suite := `{"action":"completed","check_suite":{"id":5,"head_sha":"abc","head_branch":"main","conclusion":"success","app":{"name":"CI"}},"repository":{"full_name":"octo/repo"}}`
	workflow := `{"action":"completed","workflow_run":{"id":5,"name":"build","head_sha":"abc","conclusion":"success"},"repository":{"full_name":"octo/repo"}}`

	gt.NoError(t, processor.Process(ctx, newEvent(model.CategoryCheckSuite, "completed", suite)))
	gt.NoError(t, processor.Process(ctx, newEvent(model.CategoryWorkflowRun, "completed", workflow)))

	gt.A(t, ciUC.runs).Length(2)
	gt.Equal(t, ciUC.runs[0].Provider, model.ProviderCheckSuite)
	gt.Equal(t, ciUC.runs[1].Provider, model.ProviderWorkflowRun)
	gt.Equal(t, ciUC.runs[0].ExternalID, ciUC.runs[1].ExternalID)
	gt.Value(t, ciUC.runs[0].Key().ID()).NotEqual(ciUC.runs[1].Key().ID())
}

func TestEventProcessor_Status(t *testing.T) {
	prUC := &MockPullRequestUseCase{}
	processor := githubcontroller.NewEventProcessor(prUC, &MockCIUseCase{})

	payload := `{"sha":"abc123","state":"failure","context":"ci/lint","updated_at":"2024-03-01T10:00:00Z","repository":{"full_name":"octo/repo"}}`
	gt.NoError(t, processor.Process(context.Background(), newEvent(model.CategoryStatus, "", payload)))

	gt.A(t, prUC.statuses).Length(1)
	gt.Equal(t, prUC.statuses[0].SHA, "abc123")
	gt.Equal(t, prUC.statuses[0].State, "failure")
	gt.Equal(t, prUC.statuses[0].Context, "ci/lint")
}

func TestEventProcessor_PushOnlyLogs(t *testing.T) {
	prUC := &MockPullRequestUseCase{}
	ciUC := &MockCIUseCase{}
	processor := githubcontroller.NewEventProcessor(prUC, ciUC)

	payload := `{"ref":"refs/heads/main","before":"a","after":"b","commits":[],"repository":{"full_name":"octo/repo"}}`
	gt.NoError(t, processor.Process(context.Background(), newEvent(model.CategoryPush, "", payload)))
	gt.A(t, prUC.pullRequests).Length(0)
	gt.A(t, ciUC.runs).Length(0)
}

func TestEventProcessor_Errors(t *testing.T) {
	t.Run("invalid JSON is a validation error", func(t *testing.T) {
		processor := githubcontroller.NewEventProcessor(&MockPullRequestUseCase{}, &MockCIUseCase{})
		err := processor.Process(context.Background(), newEvent(model.CategoryPullRequest, "opened", `{`))
		gt.Error(t, err)
	})

	t.Run("use case errors are returned for retry", func(t *testing.T) {
		ciUC := &MockCIUseCase{
			applyFunc: func(ctx context.Context, obs *model.CIRunObservation) (*model.TestRun, error) {
				return nil, errors.New("store unavailable")
			},
		}
		processor := githubcontroller.NewEventProcessor(&MockPullRequestUseCase{}, ciUC)
		payload := `{"action":"completed","workflow_run":{"id":1},"repository":{"full_name":"octo/repo"}}`
		err := processor.Process(context.Background(), newEvent(model.CategoryWorkflowRun, "completed", payload))
		gt.Error(t, err)
	})

	t.Run("unknown review state is rejected", func(t *testing.T) {
		processor := githubcontroller.NewEventProcessor(&MockPullRequestUseCase{}, &MockCIUseCase{})
		payload := `{"action":"submitted","review":{"id":1,"state":"pondering"},"pull_request":{"number":1},"repository":{"full_name":"octo/repo"}}`
		err := processor.Process(context.Background(), newEvent(model.CategoryPullRequestReview, "submitted", payload))
		gt.Error(t, err)
	})

	t.Run("unsupported event is ignored", func(t *testing.T) {
		processor := githubcontroller.NewEventProcessor(&MockPullRequestUseCase{}, &MockCIUseCase{})
		err := processor.Process(context.Background(), newEvent(model.CategoryCheckRun, "created", `{}`))
		gt.NoError(t, err)
	})
}
