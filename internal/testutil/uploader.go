package testutil

import (
	"context"
	"sync"

	"github.com/livinlefevreloca/vitalsync/internal/payload"
)

// MockUploader records enqueued payloads
type MockUploader struct {
	mu       sync.Mutex
	payloads []payload.UploadPayload
	errs     map[string]error
}

func NewMockUploader() *MockUploader {
	return &MockUploader{errs: make(map[string]error)}
}

// SetError makes Enqueue fail for payloads of metricID
func (m *MockUploader) SetError(metricID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[metricID] = err
}

func (m *MockUploader) Enqueue(ctx context.Context, p payload.UploadPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[p.MetricID]; err != nil {
		return err
	}
	m.payloads = append(m.payloads, p)
	return nil
}

// Payloads returns a copy of everything enqueued so far
func (m *MockUploader) Payloads() []payload.UploadPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]payload.UploadPayload(nil), m.payloads...)
}

func (m *MockUploader) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}
