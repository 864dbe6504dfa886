package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var _ Cache = (*Valkey)(nil)

// Valkey is a Cache backed by Valkey or Redis, standalone or cluster.
type Valkey struct {
	client  redis.UniversalClient
	metrics cacheMetrics
}

// NewValkey connects to addrs. More than one address selects cluster mode.
func NewValkey(addrs []string) *Valkey {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       addrs,
		DialTimeout: 2 * time.Second,
	})
	return &Valkey{client: client, metrics: cacheMetrics{driver: "valkey"}}
}

func (v *Valkey) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := otel.Tracer("protosink/cache").Start(ctx, "cache.Get")
	defer span.End()

	span.SetAttributes(
		attribute.String("cache.driver", "valkey"),
		attribute.String("cache.key", key),
	)

	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	val, err := v.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		v.metrics.record("get", "miss", start)
		span.SetAttributes(attribute.String("cache.result", "miss"))
		span.SetStatus(codes.Ok, "")
		return nil, ErrMiss
	case err != nil:
		v.metrics.record("get", "error", start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("cache fetch: %w", err)
	default:
		v.metrics.record("get", "hit", start)
		span.SetAttributes(attribute.String("cache.result", "hit"))
		span.SetStatus(codes.Ok, "")
		return val, nil
	}
}

func (v *Valkey) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := otel.Tracer("protosink/cache").Start(ctx, "cache.Set")
	defer span.End()

	span.SetAttributes(
		attribute.String("cache.driver", "valkey"),
		attribute.String("cache.key", key),
		attribute.Int64("cache.ttl", int64(ttl.Seconds())),
	)

	ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := v.client.Set(ctx, key, value, ttl).Err(); err != nil {
		v.metrics.record("set", "error", start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("cache store: %w", err)
	}
	v.metrics.record("set", "ok", start)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (v *Valkey) Ping(ctx context.Context) error {
	return v.client.Ping(ctx).Err()
}

func (v *Valkey) Close() error {
	return v.client.Close()
}
