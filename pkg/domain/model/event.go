package model

// EventCategory is the provider event name carried in the X-GitHub-Event header
type EventCategory string

const (
	CategoryPullRequest       EventCategory = "pull_request"
	CategoryPullRequestReview EventCategory = "pull_request_review"
	CategoryCheckRun          EventCategory = "check_run"
	CategoryCheckSuite        EventCategory = "check_suite"
	CategoryWorkflowRun       EventCategory = "workflow_run"
	CategoryStatus            EventCategory = "status"
	CategoryPush              EventCategory = "push"
)

// EventKind is the closed set of processing variants. Every supported
// (category, action) pair resolves to exactly one kind through Classify.
type EventKind int

const (
	EventKindUnsupported EventKind = iota
	EventKindPullRequest
	EventKindReview
	EventKindCheckRun
	EventKindCheckSuite
	EventKindWorkflowRun
	EventKindStatus
	EventKindPush
)

func (k EventKind) String() string {
	switch k {
	case EventKindPullRequest:
		return "pull_request"
	case EventKindReview:
		return "review"
	case EventKindCheckRun:
		return "check_run"
	case EventKindCheckSuite:
		return "check_suite"
	case EventKindWorkflowRun:
		return "workflow_run"
	case EventKindStatus:
		return "status"
	case EventKindPush:
		return "push"
	default:
		return "unsupported"
	}
}

// IsCIResult reports whether the kind describes a completed CI execution
func (k EventKind) IsCIResult() bool {
	return k == EventKindCheckRun || k == EventKindCheckSuite || k == EventKindWorkflowRun
}

// Classify resolves a (category, action) pair against the supported-event table.
// CI categories are supported only for the "completed" action because partial
// runs carry no final outcome.
func Classify(category EventCategory, action string) EventKind {
	switch category {
	case CategoryPullRequest:
		switch action {
		case "opened", "edited", "closed", "reopened", "synchronize", "ready_for_review", "converted_to_draft":
			return EventKindPullRequest
		}
	case CategoryPullRequestReview:
		switch action {
		case "submitted", "edited", "dismissed":
			return EventKindReview
		}
	case CategoryCheckRun:
		if action == "completed" {
			return EventKindCheckRun
		}
	case CategoryCheckSuite:
		if action == "completed" {
			return EventKindCheckSuite
		}
	case CategoryWorkflowRun:
		if action == "completed" {
			return EventKindWorkflowRun
		}
	case CategoryStatus:
		return EventKindStatus
	case CategoryPush:
		return EventKindPush
	}

	return EventKindUnsupported
}

// Lane is a priority-ordered queue a task is routed to
type Lane string

const (
	LaneHigh    Lane = "high"
	LaneDefault Lane = "default"
	LaneLow     Lane = "low"
)

// Lanes lists every lane in priority order
var Lanes = []Lane{LaneHigh, LaneDefault, LaneLow}

// Valid reports whether the lane is one of the known lanes
func (l Lane) Valid() bool {
	switch l {
	case LaneHigh, LaneDefault, LaneLow:
		return true
	}
	return false
}

// LaneFor maps an event to its lane. The mapping is total: pairs that are not
// listed fall back to LaneDefault.
func LaneFor(category EventCategory, action string) Lane {
	switch category {
	case CategoryPullRequest:
		switch action {
		case "opened", "closed", "reopened", "ready_for_review":
			return LaneHigh
		}
	case CategoryPullRequestReview:
		if action == "submitted" {
			return LaneHigh
		}
	case CategoryPush, CategoryCheckSuite, CategoryStatus:
		return LaneLow
	}

	return LaneDefault
}
