package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/flakewatch/pkg/utils/async"
	"github.com/m-mizutani/flakewatch/pkg/utils/errutil"
	"github.com/m-mizutani/goerr/v2"
)

// Store is the part of the repository the workers write to
type Store interface {
	interfaces.EventLedger
	interfaces.DeadLetterStore
}

// Config holds the worker counts and retry policies of a Pool
type Config struct {
	// Workers is the number of goroutines per lane
	Workers         map[model.Lane]int
	WebhookPolicy   model.RetryPolicy
	FlakinessPolicy model.RetryPolicy
}

// DefaultConfig returns 4 high, 4 default and 2 low lane workers with the
// default retry policies
func DefaultConfig() Config {
	return Config{
		Workers: map[model.Lane]int{
			model.LaneHigh:    4,
			model.LaneDefault: 4,
			model.LaneLow:     2,
		},
		WebhookPolicy:   model.DefaultWebhookPolicy(),
		FlakinessPolicy: model.DefaultFlakinessPolicy(),
	}
}

// Pool consumes the queue lanes with a fixed number of goroutines each
type Pool struct {
	store     Store
	queue     interfaces.Queue
	processor interfaces.EventProcessor
	analyzer  interfaces.FlakinessUseCase
	archiver  interfaces.DeadLetterArchiver
	cfg       Config
}

// Option configures a Pool
type Option func(*Pool)

// WithArchiver copies every dead letter to external storage
func WithArchiver(a interfaces.DeadLetterArchiver) Option {
	return func(p *Pool) {
		p.archiver = a
	}
}

// New creates a Pool
func New(store Store, queue interfaces.Queue, processor interfaces.EventProcessor, analyzer interfaces.FlakinessUseCase, cfg Config, opts ...Option) *Pool {
	p := &Pool{
		store:     store,
		queue:     queue,
		processor: processor,
		analyzer:  analyzer,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the workers and blocks until ctx is done and every worker has
// finished its current task
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, lane := range model.Lanes {
		for i := range p.cfg.Workers[lane] {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.loop(ctx, lane, i)
			}()
		}
	}

	ctxlog.From(ctx).Info("worker pool started",
		"high", p.cfg.Workers[model.LaneHigh],
		"default", p.cfg.Workers[model.LaneDefault],
		"low", p.cfg.Workers[model.LaneLow])
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, lane model.Lane, n int) {
	logger := ctxlog.From(ctx).With("lane", lane, "worker", n)
	ctx = ctxlog.With(ctx, logger)

	for {
		task, err := p.queue.Dequeue(ctx, lane)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errutil.Handle(ctx, err, "failed to dequeue task")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := p.Handle(ctx, task); err != nil {
			// not acked: the lease expires and the task is delivered again
			errutil.Handle(ctx, err, "failed to handle task")
			continue
		}
		if err := p.queue.Ack(ctx, task); err != nil {
			errutil.Handle(ctx, err, "failed to ack task")
		}
	}
}

// Handle runs one task to a recorded outcome: completed, scheduled for retry
// or dead-lettered. An error means the outcome could not be recorded and the
// task must not be acked.
func (p *Pool) Handle(ctx context.Context, task *model.Task) error {
	logger := ctxlog.From(ctx).With(
		"task_id", task.ID,
		"kind", task.Kind,
		"subject", task.Subject(),
		"attempt", task.Attempt,
	)
	ctx = ctxlog.With(ctx, logger)

	switch task.Kind {
	case model.TaskProcessEvent:
		return p.handleEvent(ctx, task)
	case model.TaskAnalyzeFlakiness:
		return p.handleAnalysis(ctx, task)
	}

	logger.Error("unknown task kind dropped")
	return nil
}

func (p *Pool) handleEvent(ctx context.Context, task *model.Task) error {
	logger := ctxlog.From(ctx)
	policy := p.cfg.WebhookPolicy

	ev, ok, err := p.store.ClaimWebhookEvent(ctx, task.EventID, time.Now())
	if err != nil {
		return goerr.Wrap(err, "failed to claim webhook event", goerr.V("event_id", task.EventID))
	}
	if !ok {
		logger.Debug("event not claimable, task dropped")
		return nil
	}

	// ingestion normally skips these; a row reaches here when that write failed
	if ev.Kind() == model.EventKindUnsupported {
		if _, err := p.store.SkipWebhookEvent(ctx, ev.ID, time.Now()); err != nil {
			return goerr.Wrap(err, "failed to skip webhook event", goerr.V("event_id", ev.ID))
		}
		logger.Info("unsupported event skipped", "category", ev.Category, "action", ev.Action)
		return nil
	}

	runErr := execute(ctx, policy.Timeout, func(ctx context.Context) error {
		return p.processor.Process(ctx, ev)
	})
	now := time.Now()

	if runErr == nil {
		done, err := p.store.CompleteWebhookEvent(ctx, ev.ID, now)
		if err != nil {
			return goerr.Wrap(err, "failed to complete webhook event", goerr.V("event_id", ev.ID))
		}
		logger.Info("event processed", "duration_ms", done.DurationMS)
		return nil
	}

	failures := ev.RetryCount + 1
	if policy.Exhausted(failures) {
		if _, err := p.store.FailWebhookEvent(ctx, ev.ID, runErr.Error(), now, nil); err != nil {
			return goerr.Wrap(err, "failed to fail webhook event", goerr.V("event_id", ev.ID))
		}
		return deadLetter(ctx, p.store, p.archiver, task, ev, failures, runErr)
	}

	delay := policy.Delay(failures)
	retryAt := now.Add(delay)
	if _, err := p.store.FailWebhookEvent(ctx, ev.ID, runErr.Error(), now, &retryAt); err != nil {
		return goerr.Wrap(err, "failed to fail webhook event", goerr.V("event_id", ev.ID))
	}
	if err := p.queue.Enqueue(ctx, task.Next(now), delay); err != nil {
		// the recoverer re-dispatches failed rows whose retry is due
		errutil.Handle(ctx, err, "failed to schedule retry")
	}

	logger.Warn("event processing failed, retry scheduled",
		"error", runErr,
		"failures", failures,
		"retry_after", retryAt)
	return nil
}

func (p *Pool) handleAnalysis(ctx context.Context, task *model.Task) error {
	logger := ctxlog.From(ctx)
	policy := p.cfg.FlakinessPolicy

	runErr := execute(ctx, policy.Timeout, func(ctx context.Context) error {
		_, err := p.analyzer.AnalyzeTestRun(ctx, task.TestRunID)
		return err
	})
	if runErr == nil {
		return nil
	}

	now := time.Now()
	failures := task.Attempt + 1
	if policy.Exhausted(failures) {
		return deadLetter(ctx, p.store, p.archiver, task, nil, failures, runErr)
	}

	delay := policy.Delay(failures)
	if err := p.queue.Enqueue(ctx, task.Next(now), delay); err != nil {
		return goerr.Wrap(err, "failed to schedule analysis retry", goerr.V("test_run_id", task.TestRunID))
	}

	logger.Warn("flakiness analysis failed, retry scheduled",
		"error", runErr,
		"failures", failures,
		"delay", delay)
	return nil
}

// execute runs fn under timeout. On timeout the worker stops waiting and the
// handler is left to finish on its own.
func execute(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return <-async.Go(ctx, fn)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case err := <-async.Go(ctx, fn):
		return err
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "task timed out", goerr.V("timeout", timeout.String()))
	}
}

func deadLetter(ctx context.Context, store interfaces.DeadLetterStore, archiver interfaces.DeadLetterArchiver, task *model.Task, ev *model.WebhookEvent, attempts int, cause error) error {
	dl := &model.DeadLetter{
		ID:           types.NewDeadLetterID(),
		Task:         *task,
		Attempts:     attempts,
		ErrorMessage: cause.Error(),
		FailedAt:     time.Now(),
	}
	if ev != nil {
		dl.Repository = ev.Repository
	}

	if err := store.PutDeadLetter(ctx, dl); err != nil {
		return goerr.Wrap(err, "failed to put dead letter", goerr.V("task_id", task.ID))
	}

	if archiver != nil {
		if err := archiver.Archive(ctx, dl, ev); err != nil {
			errutil.Handle(ctx, err, "failed to archive dead letter")
		}
	}

	err := goerr.Wrap(cause, "task exhausted retries",
		goerr.V("dead_letter_id", dl.ID),
		goerr.V("task_id", task.ID),
		goerr.V("kind", task.Kind),
		goerr.V("subject", task.Subject()),
		goerr.V("attempts", attempts))
	errutil.HandleCritical(ctx, err, "task moved to dead letter")
	return nil
}

var errAbandoned = errors.New("processing abandoned")
