package provider

import (
	"context"
	"sync"
)

// Outcome is one scripted mock response.
type Outcome struct {
	PCM []byte
	Err error
}

// Mock is a scriptable synthesizer for tests and dry runs. Each call pops
// the next scripted outcome; when the script is exhausted it returns the
// default PCM. Safe for concurrent use.
type Mock struct {
	mu      sync.Mutex
	script  []Outcome
	Default []byte

	// Calls records every request in order.
	Calls []Request
}

// NewMock returns a mock that always succeeds with defaultPCM.
func NewMock(defaultPCM []byte) *Mock {
	return &Mock{Default: defaultPCM}
}

// Enqueue appends outcomes to the script.
func (m *Mock) Enqueue(outcomes ...Outcome) {
	m.mu.Lock()
	m.script = append(m.script, outcomes...)
	m.mu.Unlock()
}

// CallCount returns how many synthesis calls were made.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Synthesize pops the next scripted outcome.
func (m *Mock) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if len(m.script) > 0 {
		next := m.script[0]
		m.script = m.script[1:]
		if next.Err != nil {
			return nil, next.Err
		}
		return next.PCM, nil
	}

	return m.Default, nil
}

var _ Synthesizer = (*Mock)(nil)
