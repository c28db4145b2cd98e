package model_test

import (
	"testing"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/gt"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		category model.EventCategory
		action   string
		expected model.EventKind
	}{
		{name: "pull request opened", category: model.CategoryPullRequest, action: "opened", expected: model.EventKindPullRequest},
		{name: "pull request synchronize", category: model.CategoryPullRequest, action: "synchronize", expected: model.EventKindPullRequest},
		{name: "pull request labeled", category: model.CategoryPullRequest, action: "labeled", expected: model.EventKindUnsupported},
		{name: "review submitted", category: model.CategoryPullRequestReview, action: "submitted", expected: model.EventKindReview},
		{name: "review dismissed", category: model.CategoryPullRequestReview, action: "dismissed", expected: model.EventKindReview},
		{name: "check run completed", category: model.CategoryCheckRun, action: "completed", expected: model.EventKindCheckRun},
		{name: "check run in progress", category: model.CategoryCheckRun, action: "created", expected: model.EventKindUnsupported},
		{name: "check suite completed", category: model.CategoryCheckSuite, action: "completed", expected: model.EventKindCheckSuite},
		{name: "workflow run completed", category: model.CategoryWorkflowRun, action: "completed", expected: model.EventKindWorkflowRun},
		{name: "workflow run requested", category: model.CategoryWorkflowRun, action: "requested", expected: model.EventKindUnsupported},
		{name: "status without action", category: model.CategoryStatus, action: "", expected: model.EventKindStatus},
		{name: "push without action", category: model.CategoryPush, action: "", expected: model.EventKindPush},
		{name: "unknown category", category: "issues", action: "opened", expected: model.EventKindUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gt.Value(t, model.Classify(tt.category, tt.action)).Equal(tt.expected)
		})
	}
}

func TestLaneFor(t *testing.T) {
	tests := []struct {
		name     string
		category model.EventCategory
		action   string
		expected model.Lane
	}{
		{name: "pull request opened", category: model.CategoryPullRequest, action: "opened", expected: model.LaneHigh},
		{name: "pull request closed", category: model.CategoryPullRequest, action: "closed", expected: model.LaneHigh},
		{name: "pull request ready for review", category: model.CategoryPullRequest, action: "ready_for_review", expected: model.LaneHigh},
		{name: "pull request synchronize", category: model.CategoryPullRequest, action: "synchronize", expected: model.LaneDefault},
		{name: "review submitted", category: model.CategoryPullRequestReview, action: "submitted", expected: model.LaneHigh},
		{name: "review edited", category: model.CategoryPullRequestReview, action: "edited", expected: model.LaneDefault},
		{name: "push", category: model.CategoryPush, action: "", expected: model.LaneLow},
		{name: "check suite", category: model.CategoryCheckSuite, action: "completed", expected: model.LaneLow},
		{name: "status", category: model.CategoryStatus, action: "", expected: model.LaneLow},
		{name: "check run", category: model.CategoryCheckRun, action: "completed", expected: model.LaneDefault},
		{name: "unmapped pair falls back", category: "deployment", action: "created", expected: model.LaneDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lane := model.LaneFor(tt.category, tt.action)
			gt.Value(t, lane).Equal(tt.expected)
			gt.True(t, lane.Valid())
		})
	}
}
