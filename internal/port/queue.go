package port

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
)

var ErrQueueClosed = errors.New("task queue closed")

type TaskQueue interface {
	Enqueue(ctx context.Context, task domain.ReceiptTask) error

	// EnqueueAfter makes the task visible to Dequeue once delay has passed
	EnqueueAfter(ctx context.Context, task domain.ReceiptTask, delay time.Duration) error

	// Dequeue blocks until a task is available, ctx is done, or the queue
	// is closed (ErrQueueClosed)
	Dequeue(ctx context.Context) (domain.ReceiptTask, error)

	// Ack releases a dequeued task once it was handled, rescheduled or
	// given up. Tasks never acked are handed out again after a restart.
	Ack(ctx context.Context, task domain.ReceiptTask) error
}
