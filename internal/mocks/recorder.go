package mocks

import (
	"sync"
	"time"

	"github.com/phrazzld/nvcf-orchestrator/internal/metrics"
)

// MockRecorder implements metrics.Recorder and keeps every observation.
type MockRecorder struct {
	mu        sync.Mutex
	Succeeded []metrics.Attributes
	Failed    []metrics.Attributes
	Durations []time.Duration
}

// TaskSucceeded implements metrics.Recorder.
func (m *MockRecorder) TaskSucceeded(attrs metrics.Attributes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Succeeded = append(m.Succeeded, attrs)
}

// TaskFailed implements metrics.Recorder.
func (m *MockRecorder) TaskFailed(attrs metrics.Attributes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failed = append(m.Failed, attrs)
}

// TaskDuration implements metrics.Recorder.
func (m *MockRecorder) TaskDuration(_ metrics.Attributes, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Durations = append(m.Durations, d)
}

// Counts returns the number of success, failure and duration observations.
func (m *MockRecorder) Counts() (succeeded, failed, durations int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Succeeded), len(m.Failed), len(m.Durations)
}
