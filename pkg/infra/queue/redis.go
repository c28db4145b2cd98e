package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultPollInterval is how often an idle Dequeue looks for due tasks
const DefaultPollInterval = 200 * time.Millisecond

// dequeueScript returns expired leases to the ready set, then moves the
// oldest due task of the lane from ready to leased and returns its payload.
//
// KEYS: ready zset, leased zset, task hash
// ARGV: now (unix ms), lease deadline (unix ms)
var dequeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end

local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end

local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local payload = redis.call('HGET', KEYS[3], id)
if not payload then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
return payload
`)

// Redis is a Queue on Redis. Each lane is a pair of sorted sets scored by
// due time (ready) and lease deadline (leased); payloads live in one hash.
type Redis struct {
	client       redis.UniversalClient
	prefix       string
	leaseTimeout time.Duration
	pollInterval time.Duration
}

var _ interfaces.Queue = (*Redis)(nil)

// RedisOption configures Redis
type RedisOption func(*Redis)

// WithKeyPrefix sets the prefix of every key the queue uses
func WithKeyPrefix(prefix string) RedisOption {
	return func(q *Redis) {
		q.prefix = prefix
	}
}

// WithRedisLeaseTimeout sets the visibility timeout of dequeued tasks
func WithRedisLeaseTimeout(d time.Duration) RedisOption {
	return func(q *Redis) {
		q.leaseTimeout = d
	}
}

// WithPollInterval sets how often an idle Dequeue polls
func WithPollInterval(d time.Duration) RedisOption {
	return func(q *Redis) {
		q.pollInterval = d
	}
}

// NewRedis creates a queue on an existing client
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	q := &Redis{
		client:       client,
		prefix:       "flakewatch:queue",
		leaseTimeout: DefaultLeaseTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Connect opens a client and waits until the server answers PING. Attempts
// back off exponentially until ctx is done or maxElapsed passes.
func Connect(ctx context.Context, opt *redis.Options, maxElapsed time.Duration) (*redis.Client, error) {
	client := redis.NewClient(opt)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	ping := func() error {
		if err := client.Ping(ctx).Err(); err != nil {
			ctxlog.From(ctx).Warn("redis is not ready", "addr", opt.Addr, "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		_ = client.Close()
		return nil, goerr.Wrap(err, "failed to connect to redis", goerr.V("addr", opt.Addr))
	}
	return client, nil
}

func (q *Redis) readyKey(l model.Lane) string  { return q.prefix + ":" + string(l) + ":ready" }
func (q *Redis) leasedKey(l model.Lane) string { return q.prefix + ":" + string(l) + ":leased" }
func (q *Redis) tasksKey() string              { return q.prefix + ":tasks" }

func (q *Redis) Enqueue(ctx context.Context, task *model.Task, delay time.Duration) error {
	if !task.Lane.Valid() {
		return goerr.New("unknown lane", goerr.V("lane", task.Lane))
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal task", goerr.V("task_id", task.ID))
	}

	due := time.Now().Add(max(delay, 0))
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.tasksKey(), task.ID.String(), payload)
		pipe.ZAdd(ctx, q.readyKey(task.Lane), redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: task.ID.String(),
		})
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed to enqueue task",
			goerr.V("task_id", task.ID),
			goerr.V("lane", task.Lane))
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context, lane model.Lane) (*model.Task, error) {
	if !lane.Valid() {
		return nil, goerr.New("unknown lane", goerr.V("lane", lane))
	}

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		task, err := q.tryDequeue(ctx, lane)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Redis) tryDequeue(ctx context.Context, lane model.Lane) (*model.Task, error) {
	now := time.Now()
	keys := []string{q.readyKey(lane), q.leasedKey(lane), q.tasksKey()}
	args := []any{
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(q.leaseTimeout).UnixMilli(), 10),
	}

	payload, err := dequeueScript.Run(ctx, q.client, keys, args...).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, goerr.Wrap(err, "failed to dequeue task", goerr.V("lane", lane))
	}

	var task model.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal task", goerr.V("lane", lane))
	}
	return &task, nil
}

func (q *Redis) Ack(ctx context.Context, task *model.Task) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.leasedKey(task.Lane), task.ID.String())
		pipe.HDel(ctx, q.tasksKey(), task.ID.String())
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed to ack task", goerr.V("task_id", task.ID))
	}
	return nil
}
