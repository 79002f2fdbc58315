package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/nvcf-orchestrator/internal/mocks"
	"github.com/phrazzld/nvcf-orchestrator/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource returns each batch in turn, then blocks until ctx is done.
type scriptedSource struct {
	mu      sync.Mutex
	batches [][]Message
	errs    []error
	calls   int
}

func (s *scriptedSource) Receive(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return nil, err
	}
	if len(s.batches) > 0 {
		batch := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return batch, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFactory() *task.GenerationTaskFactory {
	return task.NewGenerationTaskFactory(&mocks.MockDispatcher{}, &mocks.MockPublisher{}, testLogger())
}

func runConsumer(t *testing.T, c *Consumer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return cancel, done
}

func TestConsumerEnqueuesValidJobs(t *testing.T) {
	source := &scriptedSource{batches: [][]Message{{
		{Body: []byte(`{"kind":"txt2img","request":{"task_id":"a"}}`)},
		{Body: []byte(`{"kind":"avatar","request":{"task_id":"b"}}`)},
	}}}
	queue := task.NewTaskQueue(10, testLogger())

	cancel, done := runConsumer(t, NewConsumer(source, newTestFactory(), queue, testLogger()))

	var kinds []string
	for i := 0; i < 2; i++ {
		select {
		case got := <-queue.GetChannel():
			kinds = append(kinds, got.Type())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for enqueued task")
		}
	}
	assert.Equal(t, []string{"txt2img", "avatar"}, kinds)

	cancel()
	assert.NoError(t, <-done)
}

func TestConsumerDropsAndAcksInvalidJobs(t *testing.T) {
	var acked []string
	var mu sync.Mutex
	ackAs := func(name string) task.AckFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			acked = append(acked, name)
			return nil
		}
	}

	source := &scriptedSource{batches: [][]Message{{
		{Body: []byte(`not json`), Ack: ackAs("garbage")},
		{Body: []byte(`{"kind":"txt2img","request":{"prompt":"no id"}}`), Ack: ackAs("no-task-id")},
		{Body: []byte(`{"kind":"txt2img","request":{"task_id":"ok"}}`), Ack: ackAs("valid")},
	}}}
	queue := task.NewTaskQueue(10, testLogger())

	cancel, done := runConsumer(t, NewConsumer(source, newTestFactory(), queue, testLogger()))

	select {
	case got := <-queue.GetChannel():
		assert.Equal(t, "txt2img", got.Type())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the valid job")
	}
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"garbage", "no-task-id"}, acked, "valid jobs are acked by their task, not the consumer")
}

func TestConsumerRetriesAfterReceiveError(t *testing.T) {
	source := &scriptedSource{
		errs:    []error{errors.New("connection refused")},
		batches: [][]Message{{{Body: []byte(`{"kind":"upscaler","request":{"task_id":"u"}}`)}}},
	}
	queue := task.NewTaskQueue(10, testLogger())

	c := NewConsumer(source, newTestFactory(), queue, testLogger(), WithRetryDelay(time.Millisecond))
	cancel, done := runConsumer(t, c)

	select {
	case got := <-queue.GetChannel():
		assert.Equal(t, "upscaler", got.Type())
	case <-time.After(time.Second):
		t.Fatal("consumer did not recover from the receive error")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestConsumerStopsWhenQueueClosed(t *testing.T) {
	source := &scriptedSource{batches: [][]Message{{
		{Body: []byte(`{"kind":"txt2img","request":{"task_id":"late"}}`)},
	}}}
	queue := task.NewTaskQueue(1, testLogger())
	queue.Close()

	err := NewConsumer(source, newTestFactory(), queue, testLogger()).Run(context.Background())
	assert.ErrorIs(t, err, task.ErrQueueClosed)
}

func TestConsumerStopsWhileBlockedOnFullQueue(t *testing.T) {
	source := &scriptedSource{batches: [][]Message{{
		{Body: []byte(`{"kind":"txt2img","request":{"task_id":"1"}}`)},
		{Body: []byte(`{"kind":"txt2img","request":{"task_id":"2"}}`)},
	}}}
	queue := task.NewTaskQueue(1, testLogger())

	cancel, done := runConsumer(t, NewConsumer(source, newTestFactory(), queue, testLogger()))

	require.Eventually(t, func() bool { return len(queue.GetChannel()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop while blocked on a full queue")
	}
}
