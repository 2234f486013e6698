package publish

import (
	"context"
	"sync"

	"github.com/quillhq/quill/cfg"
)

func init() {
	Register("mock", func(cfg.PublisherConfiguration) (Publisher, error) {
		return &MockPublisher{}, nil
	})
}

// MockPublisher records every publish for inspection in tests. FailCount
// makes the next N calls return an error; Reject makes calls succeed at the
// transport level but report rejection.
type MockPublisher struct {
	mu        sync.Mutex
	records   []Record
	failCount int
	failErr   error
	reject    bool
}

func (m *MockPublisher) Publish(ctx context.Context, rec Record) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failCount != 0 {
		if m.failCount > 0 {
			m.failCount--
		}
		return Result{}, m.failErr
	}

	if m.reject {
		return Result{Success: false, Detail: "rejected"}, nil
	}

	m.records = append(m.records, rec)
	return Result{Success: true}, nil
}

func (m *MockPublisher) Close() error {
	return nil
}

// FailNext makes the next n publishes return err. n < 0 fails forever.
func (m *MockPublisher) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount = n
	m.failErr = err
}

// RejectAll toggles transport-level success with remote rejection.
func (m *MockPublisher) RejectAll(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject = reject
}

// Records returns a copy of everything published so far.
func (m *MockPublisher) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// RecordCount returns the number of accepted publishes.
func (m *MockPublisher) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
