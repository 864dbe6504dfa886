// Package ingest drives batches from a source through decoding, the
// transform plugin and the relational sink, and commits source offsets only
// after every table of a batch is durably written.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"protosink/internal/domain"
	"protosink/internal/metrics"
	"protosink/internal/reconciler"
	"protosink/internal/sink"
	"protosink/internal/tracing"
	"protosink/internal/value"
)

// Mode selects how messages are handed to the plugin.
type Mode string

// Plugin invocation modes.
const (
	// ModeBatch passes all decoded values of a batch as one list.
	ModeBatch Mode = "batch"
	// ModeSingle calls the plugin once per message.
	ModeSingle Mode = "single"
)

// Reconciler ensures destination tables match a transform's output.
// Implemented by reconciler.Reconciler.
type Reconciler interface {
	Ensure(ctx context.Context, info domain.TableInfo, rows []*value.Map) (reconciler.Result, error)
}

// Writer stores the rows of one table. Implemented by sink.Sink.
type Writer interface {
	Write(ctx context.Context, w sink.TableWrite) sink.Outcome
}

// Options configures a Pipeline.
type Options struct {
	Mode Mode
	// SkipTransformErrors dead-letters the messages of a failed transform
	// instead of failing the batch.
	SkipTransformErrors bool
	DecodeWorkers       int
	MaxRetries          int
	RetryBackoff        time.Duration
	Batch               BatchOptions

	// DeadLetter receives skipped messages. Nil only logs them.
	DeadLetter DeadLetterTarget
	Logger     *slog.Logger
}

// DeadLetterTarget is a named dead-letter sink.
type DeadLetterTarget struct {
	Name string
	Sink domain.DeadLetterSink
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeBatch
	}
	if o.DecodeWorkers <= 0 {
		o.DecodeWorkers = runtime.NumCPU()
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 100 * time.Millisecond
	}
	if o.Batch.Initial <= 0 {
		o.Batch.Initial = 100
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats counts pipeline progress.
type Stats struct {
	Batches  int64
	Messages int64
	Skipped  int64
	Rows     int64
}

// Pipeline is the ingest orchestrator. Batches are processed one at a time,
// so per-partition order is preserved end to end.
type Pipeline struct {
	src    domain.Source
	dec    domain.MessageDecoder
	tr     domain.Transformer
	rec    Reconciler
	w      Writer
	opts   Options
	logger *slog.Logger
	sizer  *Sizer

	reloads singleflight.Group
	running atomic.Bool

	batches  atomic.Int64
	messages atomic.Int64
	skipped  atomic.Int64
	rows     atomic.Int64
}

// New assembles a Pipeline.
func New(src domain.Source, dec domain.MessageDecoder, tr domain.Transformer, rec Reconciler, w Writer, opts Options) *Pipeline {
	opts = opts.withDefaults()
	return &Pipeline{
		src:    src,
		dec:    dec,
		tr:     tr,
		rec:    rec,
		w:      w,
		opts:   opts,
		logger: opts.Logger.With("component", "ingest"),
		sizer:  NewSizer(opts.Batch),
	}
}

// Running reports whether Run is polling.
func (p *Pipeline) Running() bool { return p.running.Load() }

// Stats returns progress counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Batches:  p.batches.Load(),
		Messages: p.messages.Load(),
		Skipped:  p.skipped.Load(),
		Rows:     p.rows.Load(),
	}
}

// Run polls and processes batches until ctx is cancelled, the source is
// exhausted, or a batch fails. Cancellation stops polling; a batch already
// polled is processed to completion on a context detached from ctx.
// Cancellation and exhaustion return nil.
func (p *Pipeline) Run(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)
	p.logger.Info("pipeline started", "mode", p.opts.Mode, "plugin", p.tr.Source(), "batch_size", p.sizer.Size())

	for {
		if ctx.Err() != nil {
			p.logger.Info("shutdown requested, pipeline stopped")
			return nil
		}
		msgs, err := p.src.Poll(ctx, p.sizer.Size())
		if errors.Is(err, io.EOF) {
			p.logger.Info("source exhausted", "messages", p.messages.Load())
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("shutdown requested, pipeline stopped")
				return nil
			}
			return fmt.Errorf("poll: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}

		start := time.Now()
		if err := p.Process(context.WithoutCancel(ctx), msgs); err != nil {
			return err
		}
		elapsed := time.Since(start)
		size := p.sizer.Observe(elapsed)
		p.logger.Debug("batch committed", "messages", len(msgs), "elapsed", elapsed, "next_batch_size", size)
	}
}

// batch carries per-batch state through the stages.
type batch struct {
	id      string
	msgs    []domain.Message
	values  []value.Value
	decoded []bool
	letters []domain.DeadLetter
	logger  *slog.Logger
}

func (b *batch) skip(i int, reason string) {
	b.letters = append(b.letters, domain.DeadLetter{BatchID: b.id, Message: b.msgs[i], Reason: reason})
}

// Process runs one batch end to end and commits its offsets. A returned
// error means nothing was committed and the batch will be redelivered.
func (p *Pipeline) Process(ctx context.Context, msgs []domain.Message) (err error) {
	b := &batch{
		id:      uuid.NewString(),
		msgs:    msgs,
		values:  make([]value.Value, len(msgs)),
		decoded: make([]bool, len(msgs)),
	}
	b.logger = p.logger.With("batch_id", b.id)

	ctx, span := tracing.Tracer().Start(ctx, "ingest.batch", trace.WithAttributes(
		attribute.String("batch.id", b.id),
		attribute.Int("batch.messages", len(msgs)),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			b.logger.Error("batch failed", "messages", len(msgs), "error", err)
		}
		span.End()
	}()

	metrics.MessagesConsumedTotal.Add(float64(len(msgs)))
	p.messages.Add(int64(len(msgs)))

	if err := p.decode(ctx, b); err != nil {
		return err
	}
	results, err := p.transform(ctx, b)
	if err != nil {
		return err
	}
	writes := sink.Group(results)
	if err := p.write(ctx, b, writes); err != nil {
		return err
	}
	if err := p.deadLetter(ctx, b); err != nil {
		return err
	}
	if err := p.src.Commit(ctx, msgs); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}

	metrics.BatchesCommittedTotal.Inc()
	metrics.BatchDurationSeconds.Observe(time.Since(start).Seconds())
	p.batches.Add(1)
	p.skipped.Add(int64(len(b.letters)))
	span.SetAttributes(attribute.Int("batch.tables", len(writes)), attribute.Int("batch.skipped", len(b.letters)))
	return nil
}
