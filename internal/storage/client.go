// Package storage keeps audio artifacts and note backups in an
// S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned when a key does not exist in the bucket
var ErrObjectNotFound = errors.New("object not found")

// Client is the subset of an S3-compatible API the artifact store needs
type Client interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) error
	// ObjectSize reports the stored size of key, or ErrObjectNotFound
	ObjectSize(ctx context.Context, bucket, key string) (int64, error)
	ListKeys(ctx context.Context, bucket, prefix string) ([]string, error)

	NewMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// CompletedPart is one uploaded part of a multipart artifact
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Config holds the bucket endpoint and credentials
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}
