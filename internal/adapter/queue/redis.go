package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

const (
	readyKeySuffix      = ":ready"
	delayedKeySuffix    = ":delayed"
	processingKeyPrefix = ":processing:"
	promoteBatch     = 100
	defaultPoll      = time.Second
)

// promoteScript moves due tasks from the delayed set onto the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, task in ipairs(due) do
	redis.call('LPUSH', KEYS[2], task)
	redis.call('ZREM', KEYS[1], task)
end
return #due
`)

var _ port.TaskQueue = (*RedisQueue)(nil)

// RedisQueue is a FIFO list of receipt tasks. Delayed retries wait in a
// sorted set scored by their due time. A dequeued task moves to this
// consumer's processing list and stays there until it is acked, so a crash
// mid-task leaves it for Requeue.
type RedisQueue struct {
	client     *redis.Client
	ready      string
	delayed    string
	processing string
	poll       time.Duration
	closed     atomic.Bool

	mu       sync.Mutex
	inflight map[taskKey]string // raw payloads awaiting Ack
}

type taskKey struct {
	receiptID string
	attempt   int
}

func NewRedisQueue(client *redis.Client, name, consumer string) *RedisQueue {
	return &RedisQueue{
		client:     client,
		ready:      name + readyKeySuffix,
		delayed:    name + delayedKeySuffix,
		processing: name + processingKeyPrefix + consumer,
		poll:       defaultPoll,
		inflight:   make(map[taskKey]string),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task domain.ReceiptTask) error {
	if q.closed.Load() {
		return port.ErrQueueClosed
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return q.client.LPush(ctx, q.ready, payload).Err()
}

func (q *RedisQueue) EnqueueAfter(ctx context.Context, task domain.ReceiptTask, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, task)
	}
	if q.closed.Load() {
		return port.ErrQueueClosed
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	due := time.Now().Add(delay).UnixMilli()
	return q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due), Member: payload}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (domain.ReceiptTask, error) {
	for {
		if q.closed.Load() {
			return domain.ReceiptTask{}, port.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return domain.ReceiptTask{}, err
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := promoteScript.Run(ctx, q.client, []string{q.delayed, q.ready}, now, promoteBatch).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return domain.ReceiptTask{}, fmt.Errorf("promote delayed tasks: %w", err)
		}

		raw, err := q.client.BLMove(ctx, q.ready, q.processing, "RIGHT", "LEFT", q.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.ReceiptTask{}, ctx.Err()
			}
			return domain.ReceiptTask{}, fmt.Errorf("pop task: %w", err)
		}

		var task domain.ReceiptTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.client.LRem(context.WithoutCancel(ctx), q.processing, 1, raw)
			return domain.ReceiptTask{}, fmt.Errorf("decode task: %w", err)
		}

		q.mu.Lock()
		q.inflight[taskKey{task.ReceiptID, task.Attempt}] = raw
		q.mu.Unlock()
		return task, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, task domain.ReceiptTask) error {
	key := taskKey{task.ReceiptID, task.Attempt}
	q.mu.Lock()
	raw, ok := q.inflight[key]
	delete(q.inflight, key)
	q.mu.Unlock()
	if !ok {
		return nil
	}

	if err := q.client.LRem(ctx, q.processing, 1, raw).Err(); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

// Requeue moves tasks left on this consumer's processing list by an
// earlier run back onto the ready list, oldest first. Call it before the
// workers start.
func (q *RedisQueue) Requeue(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.ready, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("requeue task: %w", err)
		}
		n++
	}
}

// Close stops this process from taking more work. Queued tasks stay in
// Redis for other workers.
func (q *RedisQueue) Close() {
	q.closed.Store(true)
}
