// Package cache provides the shared second-level cache that lets a fleet of
// protosink processes reuse schema documents instead of each fetching them
// from the registry.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"protosink/internal/metrics"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache miss")

// Cache is a byte-oriented key/value store with expiry.
type Cache interface {
	// Get returns the value stored under key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl (0 means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Ping checks cache connection
	Ping(ctx context.Context) error

	// Close gracefully closes any connections
	Close() error
}

// Open builds a cache from a URL: valkey://host:port[,host:port],
// redis://host:port or memcached://host:port[,host:port].
func Open(rawURL string) (Cache, error) {
	scheme, hosts, ok := strings.Cut(rawURL, "://")
	if !ok || hosts == "" {
		return nil, fmt.Errorf("invalid cache URL %q", rawURL)
	}
	addrs := strings.Split(hosts, ",")
	switch scheme {
	case "valkey", "redis":
		return NewValkey(addrs), nil
	case "memcached":
		return NewMemcached(addrs...), nil
	default:
		return nil, fmt.Errorf("unsupported cache scheme %q: use valkey:// or memcached://", scheme)
	}
}

type cacheMetrics struct {
	driver string
}

func (m cacheMetrics) record(op, result string, start time.Time) {
	metrics.CacheOperationsTotal.WithLabelValues(m.driver, op, result).Inc()
	metrics.CacheLatencySeconds.WithLabelValues(m.driver, op).Observe(time.Since(start).Seconds())
}
