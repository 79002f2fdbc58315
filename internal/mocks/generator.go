package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/nvcf-orchestrator/internal/nvcf"
)

// MockGenerator implements generation.Generator for testing
type MockGenerator struct {
	// GenerateFn allows test cases to mock the Generate behavior
	GenerateFn func(ctx context.Context, spec *nvcf.JobSpec, taskID string) (*nvcf.Result, error)

	// Default response values
	Result *nvcf.Result
	Err    error

	// Call tracking for verification
	GenerateCalls struct {
		// mu protects the call tracking state for concurrent test cases
		mu sync.Mutex

		// Count tracks how many times Generate was called
		Count int

		// Specs contains all specs passed to Generate calls
		Specs []*nvcf.JobSpec

		// TaskIDs contains all task ids passed to Generate calls
		TaskIDs []string
	}
}

// Generate implements the generation.Generator interface
func (m *MockGenerator) Generate(ctx context.Context, spec *nvcf.JobSpec, taskID string) (*nvcf.Result, error) {
	m.GenerateCalls.mu.Lock()
	m.GenerateCalls.Count++
	m.GenerateCalls.Specs = append(m.GenerateCalls.Specs, spec)
	m.GenerateCalls.TaskIDs = append(m.GenerateCalls.TaskIDs, taskID)
	m.GenerateCalls.mu.Unlock()

	if m.GenerateFn != nil {
		return m.GenerateFn(ctx, spec, taskID)
	}

	return m.Result, m.Err
}

// CallCount returns the number of Generate calls so far.
func (m *MockGenerator) CallCount() int {
	m.GenerateCalls.mu.Lock()
	defer m.GenerateCalls.mu.Unlock()
	return m.GenerateCalls.Count
}

// Spec returns the spec passed to the i-th Generate call.
func (m *MockGenerator) Spec(i int) *nvcf.JobSpec {
	m.GenerateCalls.mu.Lock()
	defer m.GenerateCalls.mu.Unlock()
	return m.GenerateCalls.Specs[i]
}

// NewMockGeneratorWithImage creates a MockGenerator that returns image as the primary output
func NewMockGeneratorWithImage(image []byte, aux ...string) *MockGenerator {
	return &MockGenerator{
		Result: &nvcf.Result{RequestID: "mock-req", Primary: image, Auxiliary: aux},
	}
}

// NewMockGeneratorWithError creates a MockGenerator that returns the specified error
func NewMockGeneratorWithError(err error) *MockGenerator {
	return &MockGenerator{
		Err: err,
	}
}

// Reset resets the call tracking state
func (m *MockGenerator) Reset() {
	m.GenerateCalls.mu.Lock()
	defer m.GenerateCalls.mu.Unlock()

	m.GenerateCalls.Count = 0
	m.GenerateCalls.Specs = nil
	m.GenerateCalls.TaskIDs = nil
}
