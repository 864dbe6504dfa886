package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"protosink/internal/domain"
	"protosink/internal/metrics"
	"protosink/internal/sink"
	"protosink/internal/value"
)

func (p *Pipeline) backoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(p.opts.MaxRetries), retry.NewExponential(p.opts.RetryBackoff))
}

// decode fills b.values in parallel. Tombstones and messages that cannot be
// decoded are skipped; a registry outage that outlasts the retries fails the
// batch.
func (p *Pipeline) decode(ctx context.Context, b *batch) error {
	failures := make([]error, len(b.msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.DecodeWorkers)
	for i, m := range b.msgs {
		if len(m.Value) == 0 {
			metrics.MessagesSkippedTotal.WithLabelValues("tombstone").Inc()
			b.logger.Debug("skipping tombstone", "partition", m.Partition, "offset", m.Offset)
			continue
		}
		g.Go(func() error {
			v, err := p.decodeOne(gctx, b, m)
			switch {
			case err == nil:
				b.values[i] = v
				b.decoded[i] = true
				return nil
			case domain.IsMessageLevel(err):
				failures[i] = err
				return nil
			default:
				return fmt.Errorf("decode %s/%d@%d: %w", m.Topic, m.Partition, m.Offset, err)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, err := range failures {
		if err == nil {
			continue
		}
		m := b.msgs[i]
		label := "malformed"
		var unresolvable *domain.UnresolvableSchemaError
		if errors.As(err, &unresolvable) {
			label = "unresolvable"
		}
		metrics.MessagesSkippedTotal.WithLabelValues(label).Inc()
		b.logger.Warn("skipping undecodable message", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", err)
		b.skip(i, err.Error())
	}
	return nil
}

func (p *Pipeline) decodeOne(ctx context.Context, b *batch, m domain.Message) (value.Value, error) {
	var v value.Value
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		var err error
		v, err = p.dec.Decode(ctx, m.Value)
		if domain.IsRetryable(err) {
			b.logger.Warn("schema registry unavailable, retrying", "offset", m.Offset, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	return v, err
}

// transform runs the plugin over the decoded values and returns results in
// message order.
func (p *Pipeline) transform(ctx context.Context, b *batch) ([]domain.TransformResult, error) {
	var idx []int
	for i, ok := range b.decoded {
		if ok {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil, nil
	}

	if p.opts.Mode == ModeSingle {
		return p.transformEach(ctx, b, idx)
	}

	items := make([]value.Value, len(idx))
	for j, i := range idx {
		items[j] = b.values[i]
	}
	res, err := p.call(ctx, value.List(items...))
	if err != nil {
		return nil, err
	}
	if !res.Success {
		if err := p.transformFailed(b, idx, res.Error); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return []domain.TransformResult{res}, nil
}

func (p *Pipeline) transformEach(ctx context.Context, b *batch, idx []int) ([]domain.TransformResult, error) {
	results := make([]domain.TransformResult, len(idx))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.tr.Concurrency(), 1))
	for j, i := range idx {
		g.Go(func() error {
			res, err := p.call(gctx, b.values[i])
			if err != nil {
				return fmt.Errorf("offset %d: %w", b.msgs[i].Offset, err)
			}
			results[j] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.TransformResult, 0, len(results))
	for j, res := range results {
		if !res.Success {
			if err := p.transformFailed(b, idx[j:j+1], res.Error); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// transformFailed fails the batch, or dead-letters the affected messages when
// transform errors are skipped.
func (p *Pipeline) transformFailed(b *batch, idx []int, msg string) error {
	err := domain.ErrTransform("%s", msg)
	if !p.opts.SkipTransformErrors {
		return err
	}
	metrics.MessagesSkippedTotal.WithLabelValues("transform").Add(float64(len(idx)))
	b.logger.Warn("skipping messages after transform failure", "messages", len(idx), "error", msg)
	for _, i := range idx {
		b.skip(i, err.Error())
	}
	return nil
}

// call invokes the plugin. A faulted plugin gets one reload, shared by
// concurrent callers, before the call is retried.
func (p *Pipeline) call(ctx context.Context, input value.Value) (domain.TransformResult, error) {
	res, err := p.tr.Transform(ctx, input)
	var faulted *domain.PluginFaultedError
	if !errors.As(err, &faulted) {
		return res, err
	}

	p.logger.Warn("plugin faulted, reloading", "plugin", p.tr.Source(), "error", err)
	_, rerr, _ := p.reloads.Do("reload", func() (any, error) {
		return nil, p.tr.Reload(ctx)
	})
	if rerr != nil {
		return res, fmt.Errorf("reload after fault: %w", rerr)
	}
	return p.tr.Transform(ctx, input)
}

// write reconciles and writes every table. Tables are independent: a table
// that fails does not undo the others, but any failure fails the batch.
func (p *Pipeline) write(ctx context.Context, b *batch, writes []sink.TableWrite) error {
	var errs []error
	for _, w := range writes {
		n, err := p.writeTable(ctx, b, w)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.rows.Add(int64(n))
	}
	return errors.Join(errs...)
}

func (p *Pipeline) writeTable(ctx context.Context, b *batch, w sink.TableWrite) (int, error) {
	table := w.Info.QualifiedName()
	var rows int
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		res, err := p.rec.Ensure(ctx, w.Info, w.Rows)
		if err != nil {
			if terminal(err) {
				return err
			}
			b.logger.Warn("schema reconcile failed, retrying", "table", table, "error", err)
			return retry.RetryableError(&domain.WriteError{Table: table, Err: err})
		}
		for _, stmt := range res.Statements {
			b.logger.Info("schema changed", "table", table, "statement", stmt)
		}

		out := p.w.Write(ctx, w)
		if out.Err != nil {
			if domain.IsRetryable(out.Err) {
				b.logger.Warn("table write failed, retrying", "table", table, "error", out.Err)
				return retry.RetryableError(out.Err)
			}
			return out.Err
		}
		rows = out.Rows
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("table %s: %w", table, err)
	}
	return rows, nil
}

// terminal reports whether a reconcile error cannot succeed on retry.
func terminal(err error) bool {
	var validation *domain.ValidationError
	var change *domain.UnsupportedSchemaChangeError
	return errors.As(err, &validation) || errors.As(err, &change)
}

func (p *Pipeline) deadLetter(ctx context.Context, b *batch) error {
	if len(b.letters) == 0 || p.opts.DeadLetter.Sink == nil {
		return nil
	}
	target := p.opts.DeadLetter.Name
	if err := p.opts.DeadLetter.Sink.Send(ctx, b.letters); err != nil {
		metrics.DeadLettersTotal.WithLabelValues(target, "error").Add(float64(len(b.letters)))
		return fmt.Errorf("dead-letter %d messages to %s: %w", len(b.letters), target, err)
	}
	metrics.DeadLettersTotal.WithLabelValues(target, "ok").Add(float64(len(b.letters)))
	return nil
}
