package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/phrazzld/nvcf-orchestrator/internal/redact"
	"github.com/phrazzld/nvcf-orchestrator/internal/task"
)

// defaultRetryDelay is the pause after a failed receive.
const defaultRetryDelay = 2 * time.Second

// TaskFactory turns a decoded job into a runnable task.
type TaskFactory interface {
	CreateTask(job task.Job, ack task.AckFunc) (task.Task, error)
}

// Enqueuer accepts tasks, blocking while the pool is saturated.
type Enqueuer interface {
	EnqueueWait(ctx context.Context, t task.Task) error
}

// Consumer moves jobs from a Source onto the task queue.
type Consumer struct {
	source     Source
	factory    TaskFactory
	queue      Enqueuer
	logger     *slog.Logger
	retryDelay time.Duration
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithRetryDelay sets the pause after a failed receive.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryDelay = d
	}
}

// NewConsumer creates a Consumer.
func NewConsumer(source Source, factory TaskFactory, queue Enqueuer, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:     source,
		factory:    factory,
		queue:      queue,
		logger:     logger.With("component", "queue_consumer"),
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run receives until ctx is cancelled or the task queue is closed. It
// returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.logger.Info("consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		messages, err := c.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("failed to receive messages", "error", redact.Error(err))
			if !sleep(ctx, c.retryDelay) {
				return nil
			}
			continue
		}

		for _, msg := range messages {
			if err := c.handle(ctx, msg); err != nil {
				if errors.Is(err, task.ErrQueueClosed) {
					return err
				}
				return nil
			}
		}
	}
}

// handle enqueues one message. Undecodable messages are logged, acked and
// dropped since no result can be addressed for them. The returned error is
// non-nil only when the consumer must stop.
func (c *Consumer) handle(ctx context.Context, msg Message) error {
	job, err := task.DecodeJob(msg.Body)
	if err == nil {
		var t task.Task
		t, err = c.factory.CreateTask(job, msg.Ack)
		if err == nil {
			return c.queue.EnqueueWait(ctx, t)
		}
	}

	c.logger.Error("dropping invalid job", "error", err, "body_bytes", len(msg.Body))
	if msg.Ack != nil {
		if ackErr := msg.Ack(ctx); ackErr != nil {
			c.logger.Warn("failed to acknowledge invalid job", "error", redact.Error(ackErr))
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
