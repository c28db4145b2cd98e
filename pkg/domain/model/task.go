package model

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
)

// TaskKind selects the handler a worker runs for a task
type TaskKind string

const (
	TaskProcessEvent     TaskKind = "process_event"
	TaskAnalyzeFlakiness TaskKind = "analyze_flakiness"
)

// Task is a queue message. Exactly one of EventID and TestRunID is set,
// depending on Kind.
type Task struct {
	ID         types.TaskID    `json:"id" firestore:"id"`
	Kind       TaskKind        `json:"kind" firestore:"kind"`
	Lane       Lane            `json:"lane" firestore:"lane"`
	EventID    types.EventID   `json:"event_id,omitempty" firestore:"event_id"`
	TestRunID  types.TestRunID `json:"test_run_id,omitempty" firestore:"test_run_id"`
	Attempt    int             `json:"attempt" firestore:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at" firestore:"enqueued_at"`
}

// NewEventTask builds the processing task of a ledger row
func NewEventTask(ev *WebhookEvent, now time.Time) *Task {
	return &Task{
		ID:         types.NewTaskID(),
		Kind:       TaskProcessEvent,
		Lane:       ev.Lane,
		EventID:    ev.ID,
		EnqueuedAt: now,
	}
}

// NewAnalysisTask builds the flakiness analysis task of a test run
func NewAnalysisTask(runID types.TestRunID, now time.Time) *Task {
	return &Task{
		ID:         types.NewTaskID(),
		Kind:       TaskAnalyzeFlakiness,
		Lane:       LaneLow,
		TestRunID:  runID,
		EnqueuedAt: now,
	}
}

// Next returns the retry of the task with a fresh ID and the attempt counter advanced
func (t *Task) Next(now time.Time) *Task {
	next := *t
	next.ID = types.NewTaskID()
	next.Attempt = t.Attempt + 1
	next.EnqueuedAt = now
	return &next
}

// Subject returns the ID of the entity the task operates on
func (t *Task) Subject() string {
	if t.Kind == TaskAnalyzeFlakiness {
		return t.TestRunID.String()
	}
	return t.EventID.String()
}

// RetryPolicy describes how a failing task is retried. MaxAttempts counts the
// executions after the first one, so a task runs at most MaxAttempts+1 times
// and every configured delay is used once.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Timeout      time.Duration
}

// DefaultWebhookPolicy applies to ledger event processing: 3 attempts on the
// 1s, 4s, 16s backoff sequence
func DefaultWebhookPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   4,
		MaxDelay:     time.Minute,
		Timeout:      2 * time.Minute,
	}
}

// DefaultFlakinessPolicy applies to flakiness analysis: 2 attempts on the
// 30s, 60s backoff sequence
func DefaultFlakinessPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: 30 * time.Second,
		Multiplier:   2,
		MaxDelay:     5 * time.Minute,
		Timeout:      5 * time.Minute,
	}
}

// Exhausted reports whether no attempt is left after the given number of failures
func (p RetryPolicy) Exhausted(failures int) bool {
	return failures >= p.MaxAttempts
}

// Delay returns the wait before the retry that follows the n-th failure (n >= 1)
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}

	b := p.backOff()
	var d time.Duration
	for i := 0; i < failures; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.Reset()
	return b
}

// DeadLetter records a task that exhausted its retry budget. It is never deleted.
type DeadLetter struct {
	ID           types.DeadLetterID `json:"id" firestore:"id"`
	Task         Task               `json:"task" firestore:"task"`
	Repository   string             `json:"repository,omitempty" firestore:"repository"`
	Attempts     int                `json:"attempts" firestore:"attempts"`
	ErrorMessage string             `json:"error_message" firestore:"error_message"`
	FailedAt     time.Time          `json:"failed_at" firestore:"failed_at"`
	ReplayedAt   *time.Time         `json:"replayed_at,omitempty" firestore:"replayed_at"`
}
