package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultLeaseTimeout is how long a dequeued task stays invisible before it
// is delivered again
const DefaultLeaseTimeout = 10 * time.Minute

type scheduled struct {
	task *model.Task
	at   time.Time
}

type lane struct {
	ready   []*model.Task
	delayed []scheduled
	leased  map[types.TaskID]scheduled
	notify  chan struct{}
}

// Memory is an in-process Queue. Tasks do not survive a restart; the
// recoverer re-dispatches their ledger rows.
type Memory struct {
	mu           sync.Mutex
	lanes        map[model.Lane]*lane
	leaseTimeout time.Duration
}

var _ interfaces.Queue = (*Memory)(nil)

// MemoryOption configures Memory
type MemoryOption func(*Memory)

// WithMemoryLeaseTimeout sets the visibility timeout of dequeued tasks
func WithMemoryLeaseTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.leaseTimeout = d
	}
}

// NewMemory creates an empty in-process queue with one lane per model.Lane
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		lanes:        make(map[model.Lane]*lane),
		leaseTimeout: DefaultLeaseTimeout,
	}
	for _, l := range model.Lanes {
		m.lanes[l] = &lane{
			leased: make(map[types.TaskID]scheduled),
			notify: make(chan struct{}, 1),
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) lane(name model.Lane) (*lane, error) {
	l, ok := m.lanes[name]
	if !ok {
		return nil, goerr.New("unknown lane", goerr.V("lane", name))
	}
	return l, nil
}

func (m *Memory) Enqueue(ctx context.Context, task *model.Task, delay time.Duration) error {
	l, err := m.lane(task.Lane)
	if err != nil {
		return err
	}

	m.mu.Lock()
	c := *task
	if delay <= 0 {
		l.ready = append(l.ready, &c)
	} else {
		l.delayed = append(l.delayed, scheduled{task: &c, at: time.Now().Add(delay)})
		sort.Slice(l.delayed, func(i, j int) bool { return l.delayed[i].at.Before(l.delayed[j].at) })
	}
	m.mu.Unlock()

	wake(l)
	return nil
}

func wake(l *lane) {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) Dequeue(ctx context.Context, name model.Lane) (*model.Task, error) {
	l, err := m.lane(name)
	if err != nil {
		return nil, err
	}

	for {
		task, next := m.pop(l, time.Now())
		if task != nil {
			return task, nil
		}

		var timer *time.Timer
		var fired <-chan time.Time
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			fired = timer.C
		}

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-l.notify:
		case <-fired:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

// pop leases the next ready task. When none is ready it returns the time the
// next delayed task or expiring lease becomes ready, or zero if there is none.
func (m *Memory) pop(l *lane, now time.Time) (*model.Task, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range l.leased {
		if !s.at.After(now) {
			delete(l.leased, id)
			l.ready = append(l.ready, s.task)
		}
	}
	for len(l.delayed) > 0 && !l.delayed[0].at.After(now) {
		l.ready = append(l.ready, l.delayed[0].task)
		l.delayed = l.delayed[1:]
	}

	if len(l.ready) > 0 {
		task := l.ready[0]
		l.ready = l.ready[1:]
		l.leased[task.ID] = scheduled{task: task, at: now.Add(m.leaseTimeout)}
		if len(l.ready) > 0 {
			// hand the remaining tasks to another waiting worker
			wake(l)
		}
		c := *task
		return &c, time.Time{}
	}

	var next time.Time
	if len(l.delayed) > 0 {
		next = l.delayed[0].at
	}
	for _, s := range l.leased {
		if next.IsZero() || s.at.Before(next) {
			next = s.at
		}
	}
	return nil, next
}

func (m *Memory) Ack(ctx context.Context, task *model.Task) error {
	l, err := m.lane(task.Lane)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(l.leased, task.ID)
	return nil
}

// Len returns the number of ready, delayed and leased tasks of a lane
func (m *Memory) Len(name model.Lane) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lanes[name]
	if !ok {
		return 0
	}
	return len(l.ready) + len(l.delayed) + len(l.leased)
}
