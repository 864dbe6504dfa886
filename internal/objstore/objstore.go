// Package objstore fetches plugin modules from local paths or object storage.
package objstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
)

// MaxObjectBytes caps the size of a fetched module.
const MaxObjectBytes = 64 << 20

// Fetcher reads a whole object by URI.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Credentials configures the object-store clients. Empty fields fall back to
// each SDK's default credential chain where one exists.
type Credentials struct {
	S3Endpoint         string
	S3Region           string
	S3KeyID            string
	S3Secret           string
	GCSCredentialsFile string
	AzureAccountName   string
	AzureAccountKey    string
}

// Router dispatches on the URI scheme: s3://, gs://, az:// and abfss:// go to
// the matching cloud client, anything else is read from the local filesystem.
// Cloud clients are created on first use.
type Router struct {
	creds Credentials

	mu    sync.Mutex
	s3    *s3Fetcher
	gcs   *gcsFetcher
	azure *azureFetcher
}

var _ Fetcher = (*Router)(nil)

// NewRouter creates a Router with the given credentials.
func NewRouter(creds Credentials) *Router {
	return &Router{creds: creds}
}

// IsRemote reports whether uri names an object-store location.
func IsRemote(uri string) bool {
	switch scheme(uri) {
	case "s3", "gs", "az", "abfss":
		return true
	default:
		return false
	}
}

// Fetch reads the object at uri.
func (r *Router) Fetch(ctx context.Context, uri string) ([]byte, error) {
	switch scheme(uri) {
	case "s3":
		f, err := r.s3Client()
		if err != nil {
			return nil, err
		}
		return f.Fetch(ctx, uri)
	case "gs":
		f, err := r.gcsClient(ctx)
		if err != nil {
			return nil, err
		}
		return f.Fetch(ctx, uri)
	case "az", "abfss":
		f, err := r.azureClient(uri)
		if err != nil {
			return nil, err
		}
		return f.Fetch(ctx, uri)
	default:
		return readFile(strings.TrimPrefix(uri, "file://"))
	}
}

func (r *Router) s3Client() (*s3Fetcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s3 == nil {
		f, err := newS3Fetcher(r.creds)
		if err != nil {
			return nil, err
		}
		r.s3 = f
	}
	return r.s3, nil
}

func (r *Router) gcsClient(ctx context.Context) (*gcsFetcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gcs == nil {
		f, err := newGCSFetcher(ctx, r.creds)
		if err != nil {
			return nil, err
		}
		r.gcs = f
	}
	return r.gcs, nil
}

func (r *Router) azureClient(uri string) (*azureFetcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.azure == nil {
		f, err := newAzureFetcher(r.creds, uri)
		if err != nil {
			return nil, err
		}
		r.azure = f
	}
	return r.azure, nil
}

// Close releases cloud clients that hold resources.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gcs != nil {
		err := r.gcs.client.Close()
		r.gcs = nil
		return err
	}
	return nil
}

func scheme(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(uri[:i])
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck
	return readLimited(f, path)
}

func readLimited(r io.Reader, uri string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxObjectBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	if len(data) > MaxObjectBytes {
		return nil, fmt.Errorf("object %s exceeds %d bytes", uri, MaxObjectBytes)
	}
	return data, nil
}

func parseURI(uri, want string) (*url.URL, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse %s path %q: %w", want, uri, err)
	}
	return u, nil
}
