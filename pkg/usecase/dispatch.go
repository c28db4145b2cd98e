package usecase

import (
	"context"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/goerr/v2"
)

type dispatcher struct {
	queue interfaces.Queue
}

// NewDispatcher creates a Dispatcher that enqueues tasks onto the lane of their priority
func NewDispatcher(queue interfaces.Queue) interfaces.Dispatcher {
	return &dispatcher{queue: queue}
}

// DispatchEvent enqueues the processing task of a ledger row on the lane chosen at ingest
func (d *dispatcher) DispatchEvent(ctx context.Context, ev *model.WebhookEvent) error {
	task := model.NewEventTask(ev, time.Now())
	if !task.Lane.Valid() {
		task.Lane = model.LaneFor(ev.Category, ev.Action)
	}

	if err := d.queue.Enqueue(ctx, task, 0); err != nil {
		return goerr.Wrap(err, "failed to dispatch event",
			goerr.V("event_id", ev.ID),
			goerr.V("lane", task.Lane))
	}

	ctxlog.From(ctx).Debug("event dispatched",
		"event_id", ev.ID,
		"task_id", task.ID,
		"lane", task.Lane)
	return nil
}

// DispatchAnalysis enqueues a flakiness analysis of a test run on the low lane
func (d *dispatcher) DispatchAnalysis(ctx context.Context, runID types.TestRunID) error {
	task := model.NewAnalysisTask(runID, time.Now())
	if err := d.queue.Enqueue(ctx, task, 0); err != nil {
		return goerr.Wrap(err, "failed to dispatch flakiness analysis", goerr.V("test_run_id", runID))
	}

	ctxlog.From(ctx).Debug("flakiness analysis dispatched",
		"test_run_id", runID,
		"task_id", task.ID)
	return nil
}
