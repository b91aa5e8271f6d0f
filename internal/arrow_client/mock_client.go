package arrow_client

import (
	"context"
	"sync"

	"github.com/23skdu/longbow-precision/internal/precision"
)

// MockFlightClient records exported traces in memory.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	batches   [][]precision.InferenceTrace
	err       error
}

func NewMockFlightClient() *MockFlightClient {
	return &MockFlightClient{}
}

func (m *MockFlightClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// FailWith makes subsequent exports return err. Nil restores success.
func (m *MockFlightClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockFlightClient) ExportTraces(ctx context.Context, traces []precision.InferenceTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, append([]precision.InferenceTrace(nil), traces...))
	return nil
}

// Batches returns a copy of every exported batch in order.
func (m *MockFlightClient) Batches() [][]precision.InferenceTrace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]precision.InferenceTrace, len(m.batches))
	copy(out, m.batches)
	return out
}

// Count returns the total number of exported traces.
func (m *MockFlightClient) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func (m *MockFlightClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = nil
}
