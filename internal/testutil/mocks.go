// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"context"
	"io"
	"sync"

	"protosink/internal/domain"
	"protosink/internal/value"
)

// === Source Mock ===

// MockSource implements domain.Source over a fixed list of batches.
type MockSource struct {
	PollFn   func(ctx context.Context, limit int) ([]domain.Message, error)
	CommitFn func(ctx context.Context, msgs []domain.Message) error
	Batches  [][]domain.Message // served in order by the default Poll

	mu        sync.Mutex
	committed [][]domain.Message
	limits    []int
}

// Poll implements the interface method for testing. Without PollFn it
// returns the next queued batch, then io.EOF.
func (m *MockSource) Poll(ctx context.Context, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	m.limits = append(m.limits, limit)
	m.mu.Unlock()
	if m.PollFn != nil {
		return m.PollFn(ctx, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Batches) == 0 {
		return nil, io.EOF
	}
	next := m.Batches[0]
	m.Batches = m.Batches[1:]
	return next, nil
}

// Commit implements the interface method for testing.
func (m *MockSource) Commit(ctx context.Context, msgs []domain.Message) error {
	if m.CommitFn != nil {
		if err := m.CommitFn(ctx, msgs); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, msgs)
	return nil
}

// Committed returns the committed batches.
func (m *MockSource) Committed() [][]domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]domain.Message(nil), m.committed...)
}

// Limits returns the limit passed to each Poll call.
func (m *MockSource) Limits() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.limits...)
}

var _ domain.Source = (*MockSource)(nil)

// === Decoder Mock ===

// MockDecoder implements domain.MessageDecoder. Without DecodeFn it parses
// payloads as JSON and reports unparsable ones as malformed.
type MockDecoder struct {
	DecodeFn func(ctx context.Context, raw []byte) (value.Value, error)
}

// Decode implements the interface method for testing.
func (m *MockDecoder) Decode(ctx context.Context, raw []byte) (value.Value, error) {
	if m.DecodeFn != nil {
		return m.DecodeFn(ctx, raw)
	}
	v, err := value.ParseJSON(raw)
	if err != nil {
		return value.Value{}, domain.ErrMalformed("%v", err)
	}
	return v, nil
}

var _ domain.MessageDecoder = (*MockDecoder)(nil)

// === Transformer Mock ===

// MockTransformer implements domain.Transformer.
type MockTransformer struct {
	TransformFn func(ctx context.Context, input value.Value) (domain.TransformResult, error)
	ReloadFn    func(ctx context.Context) error
	Workers     int

	mu      sync.Mutex
	inputs  []value.Value
	reloads int
}

// Transform implements the interface method for testing.
func (m *MockTransformer) Transform(ctx context.Context, input value.Value) (domain.TransformResult, error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, input)
	m.mu.Unlock()
	if m.TransformFn != nil {
		return m.TransformFn(ctx, input)
	}
	panic("unexpected call to MockTransformer.Transform")
}

// Reload implements the interface method for testing.
func (m *MockTransformer) Reload(ctx context.Context) error {
	m.mu.Lock()
	m.reloads++
	m.mu.Unlock()
	if m.ReloadFn != nil {
		return m.ReloadFn(ctx)
	}
	return nil
}

// Concurrency implements the interface method for testing.
func (m *MockTransformer) Concurrency() int {
	if m.Workers == 0 {
		return 1
	}
	return m.Workers
}

// Source implements the interface method for testing.
func (m *MockTransformer) Source() string { return "mock.js" }

// Inputs returns every value passed to Transform.
func (m *MockTransformer) Inputs() []value.Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]value.Value(nil), m.inputs...)
}

// Reloads returns how often Reload was called.
func (m *MockTransformer) Reloads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloads
}

var _ domain.Transformer = (*MockTransformer)(nil)

// === Dead-letter Sink Mock ===

// MockDeadLetterSink implements domain.DeadLetterSink.
type MockDeadLetterSink struct {
	SendFn  func(ctx context.Context, letters []domain.DeadLetter) error
	Letters []domain.DeadLetter // collected letters for assertions

	mu sync.Mutex
}

// Send implements the interface method for testing.
func (m *MockDeadLetterSink) Send(ctx context.Context, letters []domain.DeadLetter) error {
	if m.SendFn != nil {
		if err := m.SendFn(ctx, letters); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Letters = append(m.Letters, letters...)
	return nil
}

var _ domain.DeadLetterSink = (*MockDeadLetterSink)(nil)
