package objstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3Fetcher struct {
	client *s3.Client
}

// newS3Fetcher builds an S3 client. A custom endpoint implies an
// S3-compatible store and switches to path-style addressing.
func newS3Fetcher(creds Credentials) (*s3Fetcher, error) {
	if (creds.S3KeyID == "") != (creds.S3Secret == "") {
		return nil, fmt.Errorf("S3 key ID and secret must be set together")
	}

	opts := s3.Options{Region: creds.S3Region}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if creds.S3KeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(creds.S3KeyID, creds.S3Secret, "")
	}
	if creds.S3Endpoint != "" {
		endpoint := creds.S3Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return &s3Fetcher{client: s3.New(opts)}, nil
}

func (f *s3Fetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseS3Path(uri)
	if err != nil {
		return nil, err
	}
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", uri, err)
	}
	defer out.Body.Close() //nolint:errcheck
	return readLimited(out.Body, uri)
}

// ParseS3Path extracts bucket and key from an "s3://bucket/path/to/file" URI.
func ParseS3Path(s3Path string) (bucket, key string, err error) {
	u, err := parseURI(s3Path, "S3")
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("expected s3:// scheme, got %q in %q", u.Scheme, s3Path)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("empty bucket in S3 path %q", s3Path)
	}
	if key == "" {
		return "", "", fmt.Errorf("empty key in S3 path %q", s3Path)
	}
	return bucket, key, nil
}
