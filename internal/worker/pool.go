// Package worker runs queued receipt tasks with bounded retries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

// HandlerFunc processes one task. A returned validation error is final;
// any other error is retried.
type HandlerFunc func(ctx context.Context, task domain.ReceiptTask) error

// GiveUpFunc is called once a task will not be retried again.
type GiveUpFunc func(ctx context.Context, task domain.ReceiptTask, cause error) error

type Config struct {
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

func DefaultConfig() Config {
	return Config{
		Workers:     4,
		MaxAttempts: 5,
		TaskTimeout: 2 * time.Minute,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
	}
}

type Pool struct {
	queue  port.TaskQueue
	handle HandlerFunc
	giveUp GiveUpFunc
	cfg    Config
	log    *slog.Logger
}

func New(queue port.TaskQueue, handle HandlerFunc, giveUp GiveUpFunc, cfg Config, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		queue:  queue,
		handle: handle,
		giveUp: giveUp,
		cfg:    cfg,
		log:    logger.With("component", "worker"),
	}
}

// Run starts the workers and blocks until the queue is closed and drained
// or ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error { return p.loop(ctx, id) })
	}
	p.log.InfoContext(ctx, "workers started", "count", p.cfg.Workers)
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) error {
	for {
		task, err := p.queue.Dequeue(ctx)
		if errors.Is(err, port.ErrQueueClosed) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			p.log.ErrorContext(ctx, "dequeue failed", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.BaseBackoff):
			}
			continue
		}

		p.run(ctx, id, task)
	}
}

func (p *Pool) run(ctx context.Context, id int, task domain.ReceiptTask) {
	log := p.log.With("worker", id, "receipt_id", task.ReceiptID, "attempt", task.Attempt)
	defer func() {
		if err := p.queue.Ack(context.WithoutCancel(ctx), task); err != nil {
			log.ErrorContext(ctx, "ack failed", "error", err)
		}
	}()

	// a task that started is allowed to finish during shutdown
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.TaskTimeout)
	err := p.handle(tctx, task)
	cancel()

	if err == nil {
		log.DebugContext(ctx, "task done")
		return
	}

	if domain.IsValidation(err) || task.Attempt >= p.cfg.MaxAttempts {
		p.abandon(ctx, log, task, err)
		return
	}

	delay := p.Backoff(task.Attempt)
	next := task
	next.Attempt++
	if qerr := p.queue.EnqueueAfter(context.WithoutCancel(ctx), next, delay); qerr != nil {
		log.ErrorContext(ctx, "failed to schedule retry", "error", qerr)
		p.abandon(ctx, log, task, errors.Join(err, qerr))
		return
	}
	log.WarnContext(ctx, "task failed, retry scheduled", "error", err, "delay", delay)
}

func (p *Pool) abandon(ctx context.Context, log *slog.Logger, task domain.ReceiptTask, err error) {
	cause := fmt.Errorf("gave up after %d attempts: %w", task.Attempt, err)
	log.ErrorContext(ctx, "task abandoned", "error", err)
	if p.giveUp == nil {
		return
	}
	if gerr := p.giveUp(context.WithoutCancel(ctx), task, cause); gerr != nil {
		log.ErrorContext(ctx, "give up callback failed", "error", gerr)
	}
}

// Backoff is the delay before the retry that follows attempt.
func (p *Pool) Backoff(attempt int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	return d
}
