package queue

import (
	"context"

	"github.com/phrazzld/nvcf-orchestrator/internal/task"
)

// Message is one job body read from a Source.
type Message struct {
	Body []byte
	// Ack removes the message from its source. Nil when the source removes
	// messages on receipt.
	Ack task.AckFunc
}

// Source delivers job messages. Receive blocks for at most the source's
// poll interval and returns an empty slice when nothing arrived.
type Source interface {
	Receive(ctx context.Context) ([]Message, error)
}

// Transport is a queue that both delivers jobs and accepts their results.
type Transport interface {
	Source
	task.ResultPublisher
	Close() error
}
