package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/flakewatch/pkg/infra/queue"
	"github.com/m-mizutani/flakewatch/pkg/repository/memory"
	"github.com/m-mizutani/flakewatch/pkg/worker"
	"github.com/m-mizutani/gt"
)

type mockProcessor struct {
	processFunc func(ctx context.Context, ev *model.WebhookEvent) error
	calls       atomic.Int32
}

func (m *mockProcessor) Process(ctx context.Context, ev *model.WebhookEvent) error {
	m.calls.Add(1)
	if m.processFunc != nil {
		return m.processFunc(ctx, ev)
	}
	return nil
}

type mockAnalyzer struct {
	analyzeFunc func(ctx context.Context, runID types.TestRunID) ([]model.FlakyTest, error)
}

func (m *mockAnalyzer) AnalyzeTestRun(ctx context.Context, runID types.TestRunID) ([]model.FlakyTest, error) {
	if m.analyzeFunc != nil {
		return m.analyzeFunc(ctx, runID)
	}
	return nil, nil
}

type mockArchiver struct {
	archived []*model.DeadLetter
}

func (m *mockArchiver) Archive(ctx context.Context, dl *model.DeadLetter, ev *model.WebhookEvent) error {
	m.archived = append(m.archived, dl)
	return nil
}

func fastConfig() worker.Config {
	cfg := worker.DefaultConfig()
	cfg.WebhookPolicy = model.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   4,
		MaxDelay:     time.Second,
		Timeout:      time.Second,
	}
	cfg.FlakinessPolicy = model.RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     time.Second,
		Timeout:      time.Second,
	}
	return cfg
}

func newEvent(t *testing.T, repo *memory.Repository) *model.WebhookEvent {
	t.Helper()
	ev := &model.WebhookEvent{
		ID:         types.NewEventID(),
		DeliveryID: string(types.NewEventID()),
		Category:   model.CategoryPullRequest,
		Action:     "opened",
		Repository: "octo/repo",
		Payload:    []byte(`{}`),
		Status:     model.EventStatusPending,
		Lane:       model.LaneHigh,
		ReceivedAt: time.Now(),
	}
	_, created, err := repo.CreateWebhookEvent(context.Background(), ev)
	gt.NoError(t, err)
	gt.True(t, created)
	return ev
}

// drain handles every task of the lane until it is empty, acking each
func drain(t *testing.T, pool *worker.Pool, q *queue.Memory, lane model.Lane) int {
	t.Helper()
	var handled int
	for q.Len(lane) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		task, err := q.Dequeue(ctx, lane)
		cancel()
		gt.NoError(t, err)
		gt.NoError(t, pool.Handle(context.Background(), task))
		gt.NoError(t, q.Ack(context.Background(), task))
		handled++
	}
	return handled
}

func TestPoolCompletesEvent(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	q := queue.NewMemory()
	proc := &mockProcessor{}
	pool := worker.New(repo, q, proc, &mockAnalyzer{}, fastConfig())

	ev := newEvent(t, repo)
	gt.NoError(t, q.Enqueue(ctx, model.NewEventTask(ev, time.Now()), 0))

	gt.Equal(t, drain(t, pool, q, model.LaneHigh), 1)

	stored, err := repo.GetWebhookEvent(ctx, ev.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.EventStatusCompleted)
	gt.Value(t, stored.ProcessedAt).NotNil()
	gt.Equal(t, proc.calls.Load(), int32(1))
}

func TestPoolAlwaysFailingHandlerEndsInDeadLetter(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	q := queue.NewMemory()
	archiver := &mockArchiver{}
	proc := &mockProcessor{
		processFunc: func(ctx context.Context, ev *model.WebhookEvent) error {
			return errors.New("boom")
		},
	}
	pool := worker.New(repo, q, proc, &mockAnalyzer{}, fastConfig(), worker.WithArchiver(archiver))

	ev := newEvent(t, repo)
	gt.NoError(t, q.Enqueue(ctx, model.NewEventTask(ev, time.Now()), 0))

	gt.Equal(t, drain(t, pool, q, model.LaneHigh), 3)
	gt.Equal(t, proc.calls.Load(), int32(3))

	stored, err := repo.GetWebhookEvent(ctx, ev.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.EventStatusFailed)
	gt.Equal(t, stored.RetryCount, 3)
	gt.Value(t, stored.RetryAfter).Nil()
	gt.Equal(t, stored.ErrorMessage, "boom")

	dls, err := repo.ListDeadLetters(ctx, 10)
	gt.NoError(t, err)
	gt.A(t, dls).Length(1)
	gt.Equal(t, dls[0].Task.EventID, ev.ID)
	gt.Equal(t, dls[0].Attempts, 3)
	gt.Equal(t, dls[0].Repository, "octo/repo")
	gt.A(t, archiver.archived).Length(1)
}

func TestPoolRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	q := queue.NewMemory()
	proc := &mockProcessor{}
	proc.processFunc = func(ctx context.Context, ev *model.WebhookEvent) error {
		if proc.calls.Load() < 2 {
			return errors.New("transient")
		}
		return nil
	}
	pool := worker.New(repo, q, proc, &mockAnalyzer{}, fastConfig())

	ev := newEvent(t, repo)
	gt.NoError(t, q.Enqueue(ctx, model.NewEventTask(ev, time.Now()), 0))
	gt.Equal(t, drain(t, pool, q, model.LaneHigh), 2)

	stored, err := repo.GetWebhookEvent(ctx, ev.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.EventStatusCompleted)
	gt.Equal(t, stored.RetryCount, 1)
	gt.Equal(t, stored.ErrorMessage, "")

	dls, err := repo.ListDeadLetters(ctx, 10)
	gt.NoError(t, err)
	gt.A(t, dls).Length(0)
}

func TestPoolTimeoutIsAFailure(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	q := queue.NewMemory()
	cfg := fastConfig()
	cfg.WebhookPolicy.Timeout = 20 * time.Millisecond
	proc := &mockProcessor{
		processFunc: func(ctx context.Context, ev *model.WebhookEvent) error {
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}
	pool := worker.New(repo, q, proc, &mockAnalyzer{}, cfg)

	ev := newEvent(t, repo)
	task := model.NewEventTask(ev, time.Now())
	gt.NoError(t, pool.Handle(ctx, task))

	stored, err := repo.GetWebhookEvent(ctx, ev.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.EventStatusFailed)
	gt.String(t, stored.ErrorMessage).Contains("timed out")
	gt.Value(t, stored.RetryAfter).NotNil()
	gt.Equal(t, q.Len(model.LaneHigh), 1)
}

func TestPoolDropsTaskOfClaimedEvent(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	q := queue.NewMemory()
	proc := &mockProcessor{}
	pool := worker.New(repo, q, proc, &mockAnalyzer{}, fastConfig())

	ev := newEvent(t, repo)
	_, ok, err := repo.ClaimWebhookEvent(ctx, ev.ID, time.Now())
	gt.NoError(t, err)
	gt.True(t, ok)

	gt.NoError(t, pool.Handle(ctx, model.NewEventTask(ev, time.Now())))
	gt.Equal(t, proc.calls.Load(), int32(0))
}

func TestPoolSkipsUnsupportedEvent(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	q := queue.NewMemory()
	proc := &mockProcessor{}
	pool := worker.New(repo, q, proc, &mockAnalyzer{}, fastConfig())

	ev := newEvent(t, repo)
	unsupported := &model.WebhookEvent{
		ID:         types.NewEventID(),
		DeliveryID: string(types.NewEventID()),
		Category:   model.CategoryCheckRun,
		Action:     "created",
		Repository: "octo/repo",
		Payload:    []byte(`{}`),
		Status:     model.EventStatusPending,
		Lane:       model.LaneDefault,
		ReceivedAt: time.Now(),
	}
	_, created, err := repo.CreateWebhookEvent(ctx, unsupported)
	gt.NoError(t, err)
	gt.True(t, created)

	gt.NoError(t, pool.Handle(ctx, model.NewEventTask(unsupported, time.Now())))
	gt.NoError(t, pool.Handle(ctx, model.NewEventTask(ev, time.Now())))
	gt.Equal(t, proc.calls.Load(), int32(1))

	stored, err := repo.GetWebhookEvent(ctx, unsupported.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Status, model.EventStatusSkipped)
	gt.Value(t, stored.ProcessedAt).NotNil()
}

func TestPoolAnalysisRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	q := queue.NewMemory()
	var calls atomic.Int32
	analyzer := &mockAnalyzer{
		analyzeFunc: func(ctx context.Context, runID types.TestRunID) ([]model.FlakyTest, error) {
			calls.Add(1)
			return nil, errors.New("history unavailable")
		},
	}
	pool := worker.New(repo, q, &mockProcessor{}, analyzer, fastConfig())

	runID := types.NewTestRunID("octo/repo", "github_check_run", "1")
	gt.NoError(t, q.Enqueue(ctx, model.NewAnalysisTask(runID, time.Now()), 0))

	gt.Equal(t, drain(t, pool, q, model.LaneLow), 2)
	gt.Equal(t, calls.Load(), int32(2))

	dls, err := repo.ListDeadLetters(ctx, 10)
	gt.NoError(t, err)
	gt.A(t, dls).Length(1)
	gt.Equal(t, dls[0].Task.Kind, model.TaskAnalyzeFlakiness)
	gt.Equal(t, dls[0].Task.TestRunID, runID)
	gt.Equal(t, dls[0].Attempts, 2)
}

func TestPoolRun(t *testing.T) {
	repo := memory.New()
	q := queue.NewMemory()
	done := make(chan struct{}, 1)
	proc := &mockProcessor{
		processFunc: func(ctx context.Context, ev *model.WebhookEvent) error {
			done <- struct{}{}
			return nil
		},
	}
	pool := worker.New(repo, q, proc, &mockAnalyzer{}, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(stopped)
	}()

	ev := newEvent(t, repo)
	gt.NoError(t, q.Enqueue(ctx, model.NewEventTask(ev, time.Now()), 0))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not processed")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}
