package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var _ Cache = (*Memcached)(nil)

// Memcached is a Cache backed by one or more memcached servers.
type Memcached struct {
	client  *memcache.Client
	metrics cacheMetrics
}

// NewMemcached creates a client for the given servers.
func NewMemcached(addrs ...string) *Memcached {
	client := memcache.New(addrs...)
	client.Timeout = 100 * time.Millisecond
	return &Memcached{client: client, metrics: cacheMetrics{driver: "memcached"}}
}

// withContext runs fn until it returns or ctx is done. gomemcache does not
// take a context, so the call itself keeps running in the background.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn()
		done <- result{val, err}
	}()
	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (m *Memcached) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := otel.Tracer("protosink/cache").Start(ctx, "cache.Get")
	defer span.End()

	span.SetAttributes(
		attribute.String("cache.driver", "memcached"),
		attribute.String("cache.key", key),
	)

	start := time.Now()
	item, err := withContext(ctx, func() (*memcache.Item, error) { return m.client.Get(key) })
	switch {
	case errors.Is(err, memcache.ErrCacheMiss):
		m.metrics.record("get", "miss", start)
		span.SetAttributes(attribute.String("cache.result", "miss"))
		span.SetStatus(codes.Ok, "")
		return nil, ErrMiss
	case err != nil:
		m.metrics.record("get", "error", start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("cache fetch: %w", err)
	default:
		m.metrics.record("get", "hit", start)
		span.SetAttributes(attribute.String("cache.result", "hit"))
		span.SetStatus(codes.Ok, "")
		return item.Value, nil
	}
}

func (m *Memcached) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := otel.Tracer("protosink/cache").Start(ctx, "cache.Set")
	defer span.End()

	span.SetAttributes(
		attribute.String("cache.driver", "memcached"),
		attribute.String("cache.key", key),
		attribute.Int64("cache.ttl", int64(ttl.Seconds())),
	)

	start := time.Now()
	_, err := withContext(ctx, func() (struct{}, error) {
		return struct{}{}, m.client.Set(&memcache.Item{Key: key, Value: value, Expiration: int32(ttl.Seconds())})
	})
	if err != nil {
		m.metrics.record("set", "error", start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("cache store: %w", err)
	}
	m.metrics.record("set", "ok", start)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (m *Memcached) Ping(ctx context.Context) error {
	_, err := withContext(ctx, func() (struct{}, error) { return struct{}{}, m.client.Ping() })
	return err
}

func (m *Memcached) Close() error {
	return m.client.Close()
}
