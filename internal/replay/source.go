package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"protosink/internal/domain"
)

// Source feeds a replay file to the ingest pipeline. Records are numbered
// from zero in file order and each key is hashed to a lane that stands in
// for a partition.
type Source struct {
	r      *Reader
	name   string
	lanes  int
	next   int64
	logger *slog.Logger

	committed atomic.Int64
}

// NewSource wraps r. Messages carry name as their topic. lanes <= 0 uses
// the number of CPUs.
func NewSource(r *Reader, name string, lanes int, logger *slog.Logger) *Source {
	if lanes <= 0 {
		lanes = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{r: r, name: name, lanes: lanes, logger: logger.With("component", "replay", "file", name)}
}

// Poll reads up to limit records. It returns io.EOF once the file is
// exhausted.
func (s *Source) Poll(ctx context.Context, limit int) ([]domain.Message, error) {
	var out []domain.Message
	for len(out) < limit {
		if err := ctx.Err(); err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		rec, err := s.r.Next()
		if errors.Is(err, io.EOF) {
			if len(out) == 0 {
				if s.next != int64(s.r.Count()) {
					s.logger.Warn("replay file record count differs from header", "read", s.next, "header", s.r.Count())
				}
				return nil, io.EOF
			}
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Message{
			Topic:     s.name,
			Partition: Lane(rec.Key, s.lanes),
			Offset:    s.next,
			Key:       rec.Key,
			Value:     rec.Value,
		})
		s.next++
	}
	return out, nil
}

// Commit counts msgs as processed. Replay keeps no durable progress.
func (s *Source) Commit(_ context.Context, msgs []domain.Message) error {
	s.committed.Add(int64(len(msgs)))
	return nil
}

// Committed returns the number of messages committed so far.
func (s *Source) Committed() int64 { return s.committed.Load() }

// Lane maps a record key to one of n lanes.
func Lane(key []byte, n int) int32 {
	if n <= 1 {
		return 0
	}
	return int32(xxhash.Sum64(key) % uint64(n))
}
