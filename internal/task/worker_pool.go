package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/nvcf-orchestrator/internal/redact"
)

// WorkerPool manages a pool of worker goroutines that process tasks
// from a task queue. It handles graceful shutdown and worker lifecycle.
type WorkerPool struct {
	// taskQueue provides read access to the tasks to be processed
	taskQueue TaskQueueReader

	// workerCount is the number of concurrent workers to start
	workerCount int

	// taskTimeout bounds a single task execution; zero means no bound
	taskTimeout time.Duration

	// wg tracks active worker goroutines for clean shutdown
	wg sync.WaitGroup

	// ctx is used for cancellation and shutdown signaling
	ctx context.Context

	// cancel is the function to call to cancel the context
	cancel context.CancelFunc

	// logger for structured logging
	logger *slog.Logger

	// errorHandler is called when a task execution fails
	// If nil, errors are only logged
	errorHandler func(task Task, err error)

	startOnce sync.Once
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int

	// TaskTimeout bounds each task execution. Zero disables the bound.
	TaskTimeout time.Duration
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(taskQueue TaskQueueReader, config WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	// Apply defaults for invalid config values
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}

	// Create a cancelable context for shutdown coordination
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		taskQueue:    taskQueue,
		workerCount:  workerCount,
		taskTimeout:  config.TaskTimeout,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.With("component", "worker_pool"),
		errorHandler: nil, // Default to nil, can be set later with SetErrorHandler
	}
}

// SetErrorHandler allows setting a custom error handler for task execution failures
func (p *WorkerPool) SetErrorHandler(handler func(task Task, err error)) {
	p.errorHandler = handler
}

// Start launches the worker goroutines. Calling Start more than once has no effect.
func (p *WorkerPool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting worker pool", "worker_count", p.workerCount)
		for i := 0; i < p.workerCount; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Stop cancels running tasks and waits for every worker to exit.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Drain waits for the workers to finish the tasks left in a closed queue.
// If timeout elapses first, running tasks are cancelled. It reports whether
// the queue drained in time.
func (p *WorkerPool) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool drained")
		return true
	case <-timer.C:
		p.logger.Warn("worker pool drain timed out, cancelling running tasks", "timeout", timeout)
		p.Stop()
		return false
	}
}

// worker processes tasks until the queue is closed or the pool is stopped
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("starting worker", "worker_id", id)
	tasks := p.taskQueue.GetChannel()

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug("stopping worker", "worker_id", id)
			return

		case task, ok := <-tasks:
			if !ok {
				p.logger.Debug("task channel closed, stopping worker", "worker_id", id)
				return
			}
			p.processTask(task, id)
		}
	}
}

// processTask handles execution of a single task
func (p *WorkerPool) processTask(task Task, workerID int) {
	logger := p.logger.With(
		"task_id", task.ID(),
		"task_type", task.Type(),
		"worker_id", workerID,
	)

	ctx := p.ctx
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}

	logger.Debug("processing task")
	if err := execute(ctx, task); err != nil {
		logger.Error("task execution failed", "error", redact.Error(err))
		if p.errorHandler != nil {
			p.errorHandler(task, err)
		}
		return
	}
	logger.Debug("task completed")
}

// execute runs task, turning a panic into an error
func execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Execute(ctx)
}
