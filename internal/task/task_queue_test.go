package task

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTask implements the Task interface for testing
type mockTask struct {
	id       uuid.UUID
	taskType string
	payload  []byte
	status   TaskStatus
	execFn   func(ctx context.Context) error
}

func (m *mockTask) ID() uuid.UUID {
	return m.id
}

func (m *mockTask) Type() string {
	return m.taskType
}

func (m *mockTask) Payload() []byte {
	return m.payload
}

func (m *mockTask) Status() TaskStatus {
	return m.status
}

func (m *mockTask) Execute(ctx context.Context) error {
	if m.execFn != nil {
		return m.execFn(ctx)
	}
	return nil
}

func newMockTask() *mockTask {
	return &mockTask{
		id:       uuid.New(),
		taskType: "img2img",
		payload:  []byte(`{"kind":"img2img"}`),
		status:   TaskStatusPending,
	}
}

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func TestNewTaskQueue(t *testing.T) {
	logger := setupTestLogger()
	queueSize := 10
	queue := NewTaskQueue(queueSize, logger)

	assert.NotNil(t, queue)
	assert.Equal(t, queueSize, cap(queue.tasks))
	assert.False(t, queue.closed)
}

func TestEnqueue(t *testing.T) {
	logger := setupTestLogger()
	queue := NewTaskQueue(2, logger)

	assert.NoError(t, queue.Enqueue(newMockTask()))
	assert.NoError(t, queue.Enqueue(newMockTask()))

	// Test queue full
	task3 := newMockTask()
	err := queue.Enqueue(task3)
	assert.ErrorIs(t, err, ErrQueueFull)

	// Dequeue one item to make space
	<-queue.tasks

	assert.NoError(t, queue.Enqueue(task3))
}

func TestEnqueueWait(t *testing.T) {
	logger := setupTestLogger()
	queue := NewTaskQueue(1, logger)
	require.NoError(t, queue.Enqueue(newMockTask()))

	t.Run("blocks until capacity frees up", func(t *testing.T) {
		waiting := newMockTask()
		done := make(chan error, 1)
		go func() {
			done <- queue.EnqueueWait(context.Background(), waiting)
		}()

		select {
		case <-done:
			t.Fatal("EnqueueWait returned while the queue was full")
		case <-time.After(50 * time.Millisecond):
		}

		<-queue.GetChannel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(500 * time.Millisecond):
			t.Fatal("Timed out waiting for EnqueueWait")
		}
		assert.Equal(t, waiting.ID(), (<-queue.GetChannel()).ID())
	})

	t.Run("returns when context is cancelled", func(t *testing.T) {
		require.NoError(t, queue.Enqueue(newMockTask()))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := queue.EnqueueWait(ctx, newMockTask())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("rejects after close", func(t *testing.T) {
		queue.Close()
		err := queue.EnqueueWait(context.Background(), newMockTask())
		assert.ErrorIs(t, err, ErrQueueClosed)
	})
}

func TestClose(t *testing.T) {
	logger := setupTestLogger()
	queue := NewTaskQueue(10, logger)

	task := newMockTask()
	require.NoError(t, queue.Enqueue(task))

	queue.Close()
	assert.True(t, queue.closed)

	// Closing twice is harmless
	queue.Close()

	err := queue.Enqueue(newMockTask())
	assert.ErrorIs(t, err, ErrQueueClosed)

	// Make sure we can still read from the queue
	received := <-queue.GetChannel()
	assert.Equal(t, task.ID(), received.ID())

	select {
	case _, ok := <-queue.GetChannel():
		assert.False(t, ok, "Channel should be closed")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timed out waiting for closed channel read")
	}
}

func TestConcurrentEnqueueAndClose(t *testing.T) {
	logger := setupTestLogger()
	queue := NewTaskQueue(100, logger)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				// Either outcome is fine; sending on a closed channel is not.
				_ = queue.Enqueue(newMockTask())
			}
		}()
	}
	queue.Close()
	wg.Wait()

	count := 0
	for range queue.GetChannel() {
		count++
	}
	assert.LessOrEqual(t, count, 100)
}
