// Package queue holds port.TaskQueue implementations: an in-process
// channel queue for single-node runs and a Redis list for shared workers.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

var _ port.TaskQueue = (*ChannelQueue)(nil)

type ChannelQueue struct {
	tasks chan domain.ReceiptTask
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]domain.ReceiptTask

	// overflow holds retries that came due while the buffer was full and
	// the delayed tasks flushed by Close. Dequeue serves it first.
	overflow []domain.ReceiptTask
}

func NewChannelQueue(size int) *ChannelQueue {
	return &ChannelQueue{
		tasks:  make(chan domain.ReceiptTask, size),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]domain.ReceiptTask),
	}
}

func (q *ChannelQueue) Enqueue(ctx context.Context, task domain.ReceiptTask) error {
	select {
	case <-q.done:
		return port.ErrQueueClosed
	default:
	}

	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return port.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ChannelQueue) EnqueueAfter(ctx context.Context, task domain.ReceiptTask, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, task)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return port.ErrQueueClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, pending := q.timers[timer]; !pending {
			return // flushed by Close
		}
		delete(q.timers, timer)

		select {
		case q.tasks <- task:
		default:
			q.overflow = append(q.overflow, task)
		}
	})
	q.timers[timer] = task
	return nil
}

// Dequeue keeps handing out buffered and flushed tasks after Close until
// none are left.
func (q *ChannelQueue) Dequeue(ctx context.Context) (domain.ReceiptTask, error) {
	if task, ok := q.popOverflow(); ok {
		return task, nil
	}

	select {
	case task := <-q.tasks:
		return task, nil
	case <-q.done:
		select {
		case task := <-q.tasks:
			return task, nil
		default:
		}
		if task, ok := q.popOverflow(); ok {
			return task, nil
		}
		return domain.ReceiptTask{}, port.ErrQueueClosed
	case <-ctx.Done():
		return domain.ReceiptTask{}, ctx.Err()
	}
}

func (q *ChannelQueue) popOverflow() (domain.ReceiptTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.overflow) == 0 {
		return domain.ReceiptTask{}, false
	}
	task := q.overflow[0]
	q.overflow = q.overflow[1:]
	return task, true
}

// Ack is a no-op: a task leaves the channel when it is dequeued.
func (q *ChannelQueue) Ack(context.Context, domain.ReceiptTask) error { return nil }

// Len counts tasks ready to be dequeued.
func (q *ChannelQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) + len(q.overflow)
}

// Delayed counts retries still waiting for their backoff.
func (q *ChannelQueue) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Close wakes blocked callers and rejects new work. Delayed retries are
// not dropped: they become ready at once so the drain still runs them.
func (q *ChannelQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for timer, task := range q.timers {
		timer.Stop()
		q.overflow = append(q.overflow, task)
	}
	q.timers = nil
	close(q.done)
}
