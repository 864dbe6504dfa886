package ingest

import (
	"sync"
	"time"

	"protosink/internal/metrics"
)

// BatchOptions bounds the adaptive batch size.
type BatchOptions struct {
	Initial int
	Min     int
	Max     int
	// Target is the processing time per batch the sizer aims for.
	Target time.Duration
}

// Sizer adapts the batch size with additive increase and multiplicative
// decrease: one more message after a batch that met the target, half as
// many after one that did not.
type Sizer struct {
	mu     sync.Mutex
	size   int
	min    int
	max    int
	target time.Duration
}

// NewSizer returns a Sizer starting at opts.Initial, clamped to its bounds.
func NewSizer(opts BatchOptions) *Sizer {
	lo := max(opts.Min, 1)
	hi := max(opts.Max, lo)
	s := &Sizer{
		size:   min(max(opts.Initial, lo), hi),
		min:    lo,
		max:    hi,
		target: opts.Target,
	}
	metrics.BatchSize.Set(float64(s.size))
	return s
}

// Size returns the current batch size.
func (s *Sizer) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Observe adjusts the size after a batch that took elapsed to process and
// returns the new size.
func (s *Sizer) Observe(elapsed time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target <= 0 || elapsed <= s.target {
		s.size = min(s.size+1, s.max)
	} else {
		s.size = max(s.size/2, s.min)
	}
	metrics.BatchSize.Set(float64(s.size))
	return s.size
}
