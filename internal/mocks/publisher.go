package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/nvcf-orchestrator/internal/task"
)

// MockPublisher implements task.ResultPublisher and keeps every published result.
type MockPublisher struct {
	PublishFn func(ctx context.Context, result task.Result) error

	mu      sync.Mutex
	results []task.Result
}

// Publish implements task.ResultPublisher.
func (m *MockPublisher) Publish(ctx context.Context, result task.Result) error {
	if m.PublishFn != nil {
		if err := m.PublishFn(ctx, result); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

// Results returns the published results, in call order.
func (m *MockPublisher) Results() []task.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.Result(nil), m.results...)
}
