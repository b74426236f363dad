// Package objectstore defines the object storage surface used for job
// inputs and outputs.
//
// Implementations use SDK default credential chains and must be safe for
// concurrent use.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Store is the minimal object storage surface.
type Store interface {
	// Put uploads an object, replacing any existing one.
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error

	// Get opens an object for reading. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, *Entry, error)

	// Scan returns every object under prefix, sorted by key, with size and
	// content encoding populated.
	Scan(ctx context.Context, prefix string) ([]Entry, error)

	// DeleteTree removes every object under prefix.
	DeleteTree(ctx context.Context, prefix string) error

	// Close releases any resources held by the store.
	Close() error
}

// Presigner can hand out time-limited download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// PutOptions carries optional object metadata.
type PutOptions struct {
	ContentType     string
	ContentEncoding string
}

// Entry describes one stored object.
type Entry struct {
	Key             string
	Size            int64
	ContentEncoding string
	ContentType     string
	LastModified    time.Time
}

// Compressed reports whether the object is stored gzip-encoded.
func (e Entry) Compressed() bool {
	return strings.EqualFold(strings.TrimSpace(e.ContentEncoding), "gzip")
}

// Name is the last path element of the key.
func (e Entry) Name() string {
	return path.Base(e.Key)
}

// Type identifies an object store implementation.
type Type string

const (
	TypeS3   Type = "s3"
	TypeFile Type = "file"
)

func (t Type) String() string { return string(t) }

// InputPrefix is where the uploaded inputs of a job live.
func InputPrefix(jobID string) string {
	return strings.Trim(jobID, "/") + "/inputs/"
}

// OutputPrefix is where a step writes its outputs.
func OutputPrefix(jobID, stepID string) string {
	if stepID == "" {
		return strings.Trim(jobID, "/") + "/outputs/"
	}
	return strings.Trim(jobID, "/") + "/outputs/" + stepID + "/"
}

// JobPrefix covers everything stored for a job.
func JobPrefix(jobID string) string {
	return strings.Trim(jobID, "/") + "/"
}

// PutBytes uploads an in-memory payload.
func PutBytes(ctx context.Context, s Store, key string, data []byte, opts PutOptions) error {
	return s.Put(ctx, key, bytes.NewReader(data), int64(len(data)), opts)
}

// ReadAll downloads an object into memory, refusing objects above limit
// bytes when limit is positive.
func ReadAll(ctx context.Context, s Store, key string, limit int64) ([]byte, error) {
	rc, _, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	r := io.Reader(rc)
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if limit > 0 && int64(len(b)) > limit {
		return nil, fmt.Errorf("read %s: object exceeds %d bytes", key, limit)
	}
	return b, nil
}
