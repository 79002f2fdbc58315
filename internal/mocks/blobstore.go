package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/nvcf-orchestrator/internal/blobstore"
)

// MockBlobStore implements blobstore.Store for testing.
// Without PutFn/GetFn it behaves as an in-memory store keyed by locator.
type MockBlobStore struct {
	PutFn func(ctx context.Context, key string, data []byte, contentType string) (string, error)
	GetFn func(ctx context.Context, locator string) ([]byte, error)

	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	puts         []string
	gets         []string
}

// NewMockBlobStore creates a MockBlobStore seeded with objects.
func NewMockBlobStore(objects map[string][]byte) *MockBlobStore {
	m := &MockBlobStore{objects: map[string][]byte{}, contentTypes: map[string]string{}}
	for k, v := range objects {
		m.objects[k] = v
	}
	return m
}

// Put implements blobstore.Store.
func (m *MockBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	m.puts = append(m.puts, key)
	m.mu.Unlock()

	if m.PutFn != nil {
		return m.PutFn(ctx, key, data, contentType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
		m.contentTypes = map[string]string{}
	}
	locator := "mem://" + key
	m.objects[locator] = append([]byte(nil), data...)
	m.contentTypes[locator] = contentType
	return locator, nil
}

// Get implements blobstore.Store.
func (m *MockBlobStore) Get(ctx context.Context, locator string) ([]byte, error) {
	m.mu.Lock()
	m.gets = append(m.gets, locator)
	m.mu.Unlock()

	if m.GetFn != nil {
		return m.GetFn(ctx, locator)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[locator]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return data, nil
}

// Object returns the stored bytes and content type at locator.
func (m *MockBlobStore) Object(locator string) ([]byte, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[locator]
	return data, m.contentTypes[locator], ok
}

// PutKeys returns the keys passed to Put, in call order.
func (m *MockBlobStore) PutKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.puts...)
}

// GetLocators returns the locators passed to Get, in call order.
func (m *MockBlobStore) GetLocators() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.gets...)
}
