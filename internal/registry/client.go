// Package registry resolves Confluent schema registry IDs to compiled
// Protobuf descriptors.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"protosink/internal/domain"
	"protosink/internal/metrics"
)

const (
	// maxReferenceDepth bounds recursive reference resolution.
	maxReferenceDepth = 32
	// maxResponseBytes caps a single registry response body.
	maxResponseBytes = 8 << 20
	// sharedCacheTTL is how long schema documents live in the shared cache.
	// Schemas are immutable per ID; the TTL only bounds cache growth.
	sharedCacheTTL = 7 * 24 * time.Hour
)

// DocumentCache is the optional shared cache for fetched schema documents.
type DocumentCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	Username          string
	Password          string
	Timeout           time.Duration // per-fetch budget, including references (default 10s)
	RequestsPerSecond float64       // upstream request rate (0 = unlimited)
	HTTPClient        *http.Client
	Cache             DocumentCache
	Logger            *slog.Logger
}

// Client resolves schema IDs. Entries are cached for the process lifetime;
// concurrent misses for one ID share a single upstream fetch.
type Client struct {
	baseURL  *url.URL
	username string
	password string
	timeout  time.Duration
	http     *http.Client
	limiter  *rate.Limiter
	shared   DocumentCache
	logger   *slog.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[int32]*SchemaEntry
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid schema registry URL %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &Client{
		baseURL:  base,
		username: opts.Username,
		password: opts.Password,
		timeout:  opts.Timeout,
		http:     opts.HTTPClient,
		limiter:  rate.NewLimiter(limit, max(1, int(opts.RequestsPerSecond))),
		shared:   opts.Cache,
		logger:   opts.Logger.With("component", "registry"),
		entries:  map[int32]*SchemaEntry{},
	}, nil
}

// Resolve returns the compiled schema for id.
//
// Errors are *domain.RegistryUnavailableError (transient, retry),
// *domain.SchemaNotFoundError or *domain.InvalidSchemaError.
func (c *Client) Resolve(ctx context.Context, id int32) (*SchemaEntry, error) {
	if entry, ok := c.cached(id); ok {
		metrics.SchemaLookupsTotal.WithLabelValues("memory").Inc()
		return entry, nil
	}

	// The fetch is shared by every waiter, so it must not die with the
	// context of whichever caller happened to start it.
	ch := c.group.DoChan(strconv.FormatInt(int64(id), 10), func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.load(fetchCtx, id)
	})

	select {
	case <-ctx.Done():
		return nil, &domain.RegistryUnavailableError{SchemaID: id, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SchemaEntry), nil
	}
}

func (c *Client) cached(id int32) (*SchemaEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	return entry, ok
}

func (c *Client) load(ctx context.Context, id int32) (*SchemaEntry, error) {
	if entry, ok := c.cached(id); ok {
		return entry, nil
	}

	doc, fromShared := c.sharedGet(ctx, id)
	if fromShared {
		metrics.SchemaLookupsTotal.WithLabelValues("shared").Inc()
	} else {
		var err error
		doc, err = c.fetchDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		metrics.SchemaLookupsTotal.WithLabelValues("registry").Inc()
	}

	file, err := compile(ctx, id, doc)
	if err != nil {
		return nil, err
	}
	if !fromShared {
		c.sharedSet(ctx, id, doc)
	}

	entry := &SchemaEntry{ID: id, File: file, FetchedAt: time.Now()}
	c.mu.Lock()
	c.entries[id] = entry
	c.mu.Unlock()

	c.logger.Info("schema resolved", "schema_id", id, "package", string(file.Package()), "messages", file.Messages().Len())
	return entry, nil
}

func sharedKey(id int32) string {
	return "protosink:schema:" + strconv.FormatInt(int64(id), 10)
}

func (c *Client) sharedGet(ctx context.Context, id int32) (*document, bool) {
	if c.shared == nil {
		return nil, false
	}
	raw, err := c.shared.Get(ctx, sharedKey(id))
	if err != nil {
		return nil, false
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Schema == "" {
		c.logger.Warn("ignoring corrupt shared cache entry", "schema_id", id)
		return nil, false
	}
	return &doc, true
}

func (c *Client) sharedSet(ctx context.Context, id int32, doc *document) {
	if c.shared == nil {
		return
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := c.shared.Set(ctx, sharedKey(id), raw, sharedCacheTTL); err != nil {
		c.logger.Debug("shared cache store failed", "schema_id", id, "error", err)
	}
}

// fetchDocument downloads a schema and, recursively, every schema it references.
func (c *Client) fetchDocument(ctx context.Context, id int32) (*document, error) {
	var resp schemaResponse
	if err := c.getJSON(ctx, id, fmt.Sprintf("/schemas/ids/%d", id), &resp); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, &domain.SchemaNotFoundError{SchemaID: id}
		}
		return nil, err
	}
	if resp.SchemaType != SchemaTypeProtobuf {
		schemaType := resp.SchemaType
		if schemaType == "" {
			schemaType = SchemaTypeAvro
		}
		return nil, &domain.InvalidSchemaError{SchemaID: id, Message: fmt.Sprintf("schema type %s is not supported, expected PROTOBUF", schemaType)}
	}

	doc := &document{Schema: resp.Schema, Imports: map[string]string{}}
	if err := c.fetchReferences(ctx, id, resp.References, doc.Imports, 0); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Client) fetchReferences(ctx context.Context, id int32, refs []Reference, imports map[string]string, depth int) error {
	if depth > maxReferenceDepth {
		return &domain.InvalidSchemaError{SchemaID: id, Message: "schema references nest too deeply"}
	}
	for _, ref := range refs {
		if _, seen := imports[ref.Name]; seen {
			continue
		}
		var resp subjectVersionResponse
		path := fmt.Sprintf("/subjects/%s/versions/%d", url.PathEscape(ref.Subject), ref.Version)
		if err := c.getJSON(ctx, id, path, &resp); err != nil {
			if errors.Is(err, errNotFound) {
				return &domain.InvalidSchemaError{SchemaID: id, Message: fmt.Sprintf("reference %s (%s version %d) not found", ref.Name, ref.Subject, ref.Version)}
			}
			return err
		}
		imports[ref.Name] = resp.Schema
		if err := c.fetchReferences(ctx, id, resp.References, imports, depth+1); err != nil {
			return err
		}
	}
	return nil
}

var errNotFound = errors.New("not found")

// getJSON performs a rate-limited GET against the registry. Transport
// failures, 429 and 5xx become RegistryUnavailableError; 404 becomes errNotFound.
func (c *Client) getJSON(ctx context.Context, id int32, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &domain.RegistryUnavailableError{SchemaID: id, Err: err}
	}

	u := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.schemaregistry.v1+json, application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RegistryRequestsTotal.WithLabelValues("error").Inc()
		return &domain.RegistryUnavailableError{SchemaID: id, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck
	metrics.RegistryRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode/100) + "xx").Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &domain.RegistryUnavailableError{SchemaID: id, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &domain.RegistryUnavailableError{SchemaID: id, Err: fmt.Errorf("GET %s: %s", path, describeError(resp.StatusCode, body))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &domain.InvalidSchemaError{SchemaID: id, Message: fmt.Sprintf("decode registry response: %v", err)}
	}
	return nil
}

func describeError(status int, body []byte) string {
	var envelope errorResponse
	if json.Unmarshal(body, &envelope) == nil && envelope.Message != "" {
		return fmt.Sprintf("status %d (error %d): %s", status, envelope.ErrorCode, envelope.Message)
	}
	return fmt.Sprintf("status %d", status)
}
