package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"

	"protosink/internal/domain"
)

const orderSchema = `syntax = "proto3";
package shop;

import "common/money.proto";
import "google/protobuf/timestamp.proto";

message Order {
  int64 id = 1;
  string customer = 2;
  repeated Item items = 3;
  common.Money total = 4;
  google.protobuf.Timestamp placed_at = 5;

  message Item {
    string sku = 1;
    int32 quantity = 2;
  }
}
`

const moneySchema = `syntax = "proto3";
package common;

message Money {
  string currency = 1;
  int64 units = 2;
}
`

type fakeRegistry struct {
	t        *testing.T
	requests atomic.Int32
	handler  func(w http.ResponseWriter, r *http.Request)
}

func newFakeRegistry(t *testing.T) (*fakeRegistry, *httptest.Server) {
	t.Helper()
	f := &fakeRegistry{t: t}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if f.handler != nil {
			f.handler(w, r)
			return
		}
		f.serve(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRegistry) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.schemaregistry.v1+json")
	switch r.URL.Path {
	case "/schemas/ids/7":
		_ = json.NewEncoder(w).Encode(schemaResponse{
			Schema:     orderSchema,
			SchemaType: SchemaTypeProtobuf,
			References: []Reference{{Name: "common/money.proto", Subject: "money-value", Version: 1}},
		})
	case "/subjects/money-value/versions/1":
		_ = json.NewEncoder(w).Encode(subjectVersionResponse{
			Subject: "money-value", Version: 1, ID: 3,
			Schema: moneySchema, SchemaType: SchemaTypeProtobuf,
		})
	case "/schemas/ids/8":
		_ = json.NewEncoder(w).Encode(schemaResponse{Schema: `{"type":"record","name":"x","fields":[]}`})
	case "/schemas/ids/9":
		_ = json.NewEncoder(w).Encode(schemaResponse{Schema: "syntax = \"proto3\"; message {", SchemaType: SchemaTypeProtobuf})
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error_code":40403,"message":"Schema not found"}`))
	}
}

func newTestClient(t *testing.T, url string, cache DocumentCache) *Client {
	t.Helper()
	c, err := New(Options{BaseURL: url, Timeout: 5 * time.Second, Cache: cache})
	require.NoError(t, err)
	return c
}

func TestResolve_CompilesWithReferences(t *testing.T) {
	f, srv := newFakeRegistry(t)
	c := newTestClient(t, srv.URL, nil)

	entry, err := c.Resolve(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int32(7), entry.ID)

	md, err := entry.Message([]int{0})
	require.NoError(t, err)
	assert.Equal(t, protoreflect.FullName("shop.Order"), md.FullName())

	item, err := entry.Message([]int{0, 0})
	require.NoError(t, err)
	assert.Equal(t, protoreflect.FullName("shop.Order.Item"), item.FullName())

	_, err = entry.Message([]int{3})
	require.Error(t, err)

	byName, ok := entry.MessageByName("shop.Order.Item")
	require.True(t, ok)
	assert.Equal(t, item, byName)

	assert.Equal(t, int32(2), f.requests.Load())

	// Cached: no further requests.
	again, err := c.Resolve(context.Background(), 7)
	require.NoError(t, err)
	assert.Same(t, entry, again)
	assert.Equal(t, int32(2), f.requests.Load())
}

func TestResolve_ConcurrentMissesShareOneFetch(t *testing.T) {
	f, srv := newFakeRegistry(t)
	release := make(chan struct{})
	var idRequests atomic.Int32
	f.handler = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/schemas/ids/7" {
			idRequests.Add(1)
			<-release
		}
		f.serve(w, r)
	}
	c := newTestClient(t, srv.URL, nil)

	const callers = 16
	var wg sync.WaitGroup
	entries := make([]*SchemaEntry, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = c.Resolve(context.Background(), 7)
		}(i)
	}

	require.Eventually(t, func() bool { return idRequests.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, entries[0], entries[i])
	}
	assert.Equal(t, int32(1), idRequests.Load())
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name   string
		id     int32
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name: "not_found",
			id:   404,
			check: func(t *testing.T, err error) {
				var nf *domain.SchemaNotFoundError
				require.True(t, errors.As(err, &nf))
				assert.Equal(t, int32(404), nf.SchemaID)
				assert.False(t, domain.IsRetryable(err))
			},
		},
		{
			name: "avro_rejected",
			id:   8,
			check: func(t *testing.T, err error) {
				var invalid *domain.InvalidSchemaError
				require.True(t, errors.As(err, &invalid))
				assert.Contains(t, invalid.Message, "AVRO")
			},
		},
		{
			name: "compile_failure",
			id:   9,
			check: func(t *testing.T, err error) {
				var invalid *domain.InvalidSchemaError
				require.True(t, errors.As(err, &invalid))
			},
		},
		{
			name:   "server_error",
			id:     7,
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, err error) {
				var unavailable *domain.RegistryUnavailableError
				require.True(t, errors.As(err, &unavailable))
				assert.True(t, domain.IsRetryable(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeRegistry(t)
			if tt.status != 0 {
				f.handler = func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(tt.status)
				}
			}
			c := newTestClient(t, srv.URL, nil)

			entry, err := c.Resolve(context.Background(), tt.id)
			require.Error(t, err)
			assert.Nil(t, entry)
			tt.check(t, err)
		})
	}
}

func TestResolve_TransportFailureIsRetryable(t *testing.T) {
	c, err := New(Options{
		BaseURL: "http://registry.invalid",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		})},
	})
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), 1)
	var unavailable *domain.RegistryUnavailableError
	require.True(t, errors.As(err, &unavailable))
}

func TestResolve_BasicAuth(t *testing.T) {
	f, srv := newFakeRegistry(t)
	f.handler = func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "svc" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.serve(w, r)
	}
	c, err := New(Options{BaseURL: srv.URL, Username: "svc", Password: "pw"})
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), 7)
	require.NoError(t, err)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errors.New("miss")
	}
	return v, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestResolve_SharedCacheAvoidsRegistry(t *testing.T) {
	f, srv := newFakeRegistry(t)
	shared := &mapCache{data: map[string][]byte{}}

	first := newTestClient(t, srv.URL, shared)
	_, err := first.Resolve(context.Background(), 7)
	require.NoError(t, err)
	require.Contains(t, shared.data, "protosink:schema:7")
	fetched := f.requests.Load()

	second := newTestClient(t, srv.URL, shared)
	entry, err := second.Resolve(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, fetched, f.requests.Load())

	_, err = entry.Message([]int{0})
	require.NoError(t, err)
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(Options{BaseURL: "registry:8081"})
	require.Error(t, err)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestCompile_ErrorMapping(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, stop := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer stop()

	broken := &document{Schema: "syntax = \"proto3\"; message {"}

	tests := []struct {
		name      string
		ctx       context.Context
		retryable bool
	}{
		{name: "live_context", ctx: context.Background()},
		{name: "cancelled_context", ctx: cancelled, retryable: true},
		{name: "expired_deadline", ctx: expired, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compile(tt.ctx, 9, broken)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, domain.IsRetryable(err))

			var unavailable *domain.RegistryUnavailableError
			var invalid *domain.InvalidSchemaError
			if tt.retryable {
				require.True(t, errors.As(err, &unavailable))
				assert.Equal(t, int32(9), unavailable.SchemaID)
				assert.ErrorIs(t, err, tt.ctx.Err())
				return
			}
			require.True(t, errors.As(err, &invalid))
		})
	}
}
