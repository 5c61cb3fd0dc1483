// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	// CacheControl is set on every uploaded object when non-empty.
	CacheControl string
}

// objectWriter is the part of *storage.Writer the store needs.
type objectWriter interface {
	io.WriteCloser
	setAttrs(contentType, cacheControl string)
}

type gcsWriter struct {
	*storage.Writer
}

func (w gcsWriter) setAttrs(contentType, cacheControl string) {
	if contentType != "" {
		w.ContentType = contentType
	}
	if cacheControl != "" {
		w.CacheControl = cacheControl
	}
	// Raw pages are small; upload each in a single request.
	w.ChunkSize = 0
}

// BlobStore writes raw page archives to a configured GCS bucket.
type BlobStore struct {
	cfg       Config
	newWriter func(ctx context.Context, path string) objectWriter
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	bucket := client.Bucket(cfg.Bucket)
	return &BlobStore{
		cfg: cfg,
		newWriter: func(ctx context.Context, path string) objectWriter {
			return gcsWriter{Writer: bucket.Object(path).NewWriter(ctx)}
		},
	}, nil
}

// PutObject uploads r to path and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", errors.New("path is required")
	}
	writer := s.newWriter(ctx, path)
	writer.setAttrs(contentType, s.cfg.CacheControl)
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, path), nil
}
