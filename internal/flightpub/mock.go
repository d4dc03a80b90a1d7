package flightpub

import (
	"context"
	"fmt"
	"sync"
)

// Mock records published summaries in memory for tests.
type Mock struct {
	mu        sync.Mutex
	closed    bool
	Summaries []Summary
}

func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Publish(ctx context.Context, s Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("publisher closed")
	}
	// Validate the same way the real publisher does.
	record, err := summaryRecord(s)
	if err != nil {
		return err
	}
	record.Release()
	m.Summaries = append(m.Summaries, s)
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Published returns a snapshot of everything published so far.
func (m *Mock) Published() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Summary(nil), m.Summaries...)
}
