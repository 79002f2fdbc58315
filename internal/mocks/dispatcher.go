package mocks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/phrazzld/nvcf-orchestrator/internal/service"
)

// MockDispatcher implements task.Dispatcher for testing
type MockDispatcher struct {
	// DispatchFn allows test cases to mock the Dispatch behavior
	DispatchFn func(ctx context.Context, kind string, payload json.RawMessage) (*service.Output, error)

	// Default response values
	Output *service.Output
	Err    error

	mu    sync.Mutex
	kinds []string
}

// Dispatch implements the task.Dispatcher interface
func (m *MockDispatcher) Dispatch(ctx context.Context, kind string, payload json.RawMessage) (*service.Output, error) {
	m.mu.Lock()
	m.kinds = append(m.kinds, kind)
	m.mu.Unlock()

	if m.DispatchFn != nil {
		return m.DispatchFn(ctx, kind, payload)
	}
	return m.Output, m.Err
}

// Kinds returns the kinds passed to Dispatch, in call order.
func (m *MockDispatcher) Kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.kinds...)
}
