package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const (
	gcsUploadTimeout = 2 * time.Minute
	gcsDeleteTimeout = 30 * time.Second
)

// GCSStore keeps objects in a Google Cloud Storage bucket.
type GCSStore struct {
	client        *gcs.Client
	bucket        string
	publicBaseURL string
}

// NewGCSStore opens a storage client with application default credentials.
func NewGCSStore(ctx context.Context, bucket, publicBaseURL string, opts ...option.ClientOption) (*GCSStore, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("missing GCS bucket name")
	}
	opts = append(opts, option.WithScopes(gcs.ScopeReadWrite))
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStore{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// Put streams r into the bucket.
func (s *GCSStore) Put(ctx context.Context, key, contentType string, r io.Reader) (Object, error) {
	key = CleanKey(key)
	ctx, cancel := context.WithTimeout(ctx, gcsUploadTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return Object{}, fmt.Errorf("write object %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("close object %q: %w", key, err)
	}
	return Object{Key: key, URL: s.URL(key), ContentType: contentType, Size: n}, nil
}

// Delete removes key from the bucket.
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	key = CleanKey(key)
	ctx, cancel := context.WithTimeout(ctx, gcsDeleteTimeout)
	defer cancel()

	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete object %q in bucket %q: %w", key, s.bucket, err)
	}
	return nil
}

// URL returns the public object URL.
func (s *GCSStore) URL(key string) string {
	base := s.publicBaseURL
	if base == "" {
		base = "https://storage.googleapis.com"
	}
	return fmt.Sprintf("%s/%s/%s", base, s.bucket, CleanKey(key))
}

// Close releases the client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
