package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"voxsync/internal/apperr"

	"go.uber.org/zap"
)

const (
	notesPrefix = "notes/"
	audioPrefix = "audio/"

	defaultMultipartThreshold = 64 * 1024 * 1024
	defaultPartSize           = 16 * 1024 * 1024
)

// ArtifactOptions configures an ArtifactStore
type ArtifactOptions struct {
	Bucket             string
	MultipartThreshold int64
	PartSize           int64
	Logger             *zap.Logger
}

// ArtifactStore uploads recording audio under audio/ and keeps note backups
// under notes/<key>.txt in one bucket.
type ArtifactStore struct {
	client             Client
	bucket             string
	multipartThreshold int64
	partSize           int64
	logger             *zap.Logger
}

// NewArtifactStore binds client to a bucket
func NewArtifactStore(client Client, opts ArtifactOptions) (*ArtifactStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if opts.MultipartThreshold <= 0 {
		opts.MultipartThreshold = defaultMultipartThreshold
	}
	if opts.PartSize <= 0 {
		opts.PartSize = defaultPartSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ArtifactStore{
		client:             client,
		bucket:             opts.Bucket,
		multipartThreshold: opts.MultipartThreshold,
		partSize:           opts.PartSize,
		logger:             opts.Logger.With(zap.String("component", "storage")),
	}, nil
}

// BucketCreator is implemented by clients that can create their bucket
type BucketCreator interface {
	EnsureBucket(ctx context.Context, bucket string) error
}

// EnsureBucket creates the artifact bucket when the client supports it
func (s *ArtifactStore) EnsureBucket(ctx context.Context) error {
	bc, ok := s.client.(BucketCreator)
	if !ok {
		return nil
	}
	return bc.EnsureBucket(ctx, s.bucket)
}

// AudioKey is the object key for a recording file name
func AudioKey(fileName string) string {
	return audioPrefix + filepath.Base(fileName)
}

// NoteKey is the object key for a note backup. key is the recording file's
// base name without extension.
func NoteKey(key string) string {
	return notesPrefix + key + ".txt"
}

// UploadFile uploads the file at path under key. It reports skipped=true
// when an object of the same size already exists.
func (s *ArtifactStore) UploadFile(ctx context.Context, key, path string) (skipped bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, apperr.New(apperr.KindResourceMissing, "upload "+key, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return false, err
	}
	size := stat.Size()

	if s.objectExistsAndMatches(ctx, key, size) {
		s.logger.Debug("Skipping existing object", zap.String("key", key), zap.Int64("size", size))
		return true, nil
	}

	contentType := contentTypeFor(path)
	if size < s.multipartThreshold {
		err = s.client.PutObject(ctx, s.bucket, key, f, size, contentType)
	} else {
		err = s.uploadMultipart(ctx, key, f, size, contentType)
	}
	if err != nil {
		return false, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.logger.Info("Artifact uploaded", zap.String("key", key), zap.Int64("size", size))
	return false, nil
}

func (s *ArtifactStore) uploadMultipart(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	uploadID, err := s.client.NewMultipartUpload(ctx, s.bucket, key, contentType)
	if err != nil {
		return fmt.Errorf("failed to initiate multipart upload: %w", err)
	}

	partCount := int(math.Ceil(float64(size) / float64(s.partSize)))
	parts := make([]CompletedPart, 0, partCount)
	buf := make([]byte, s.partSize)

	for partNum := 1; partNum <= partCount; partNum++ {
		n, err := io.ReadFull(reader, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			s.abort(key, uploadID)
			return fmt.Errorf("failed to read part %d: %w", partNum, err)
		}

		etag, err := s.client.UploadPart(ctx, s.bucket, key, uploadID, partNum, bytes.NewReader(buf[:n]), int64(n))
		if err != nil {
			s.abort(key, uploadID)
			return fmt.Errorf("failed to upload part %d: %w", partNum, err)
		}
		parts = append(parts, CompletedPart{PartNumber: partNum, ETag: etag})
	}

	if err := s.client.CompleteMultipartUpload(ctx, s.bucket, key, uploadID, parts); err != nil {
		s.abort(key, uploadID)
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return nil
}

func (s *ArtifactStore) abort(key, uploadID string) {
	// The request context may already be cancelled.
	if err := s.client.AbortMultipartUpload(context.Background(), s.bucket, key, uploadID); err != nil {
		s.logger.Warn("Failed to abort multipart upload", zap.String("key", key), zap.Error(err))
	}
}

func (s *ArtifactStore) objectExistsAndMatches(ctx context.Context, key string, size int64) bool {
	stored, err := s.client.ObjectSize(ctx, s.bucket, key)
	if err != nil {
		return false
	}
	return stored == size
}

// ReadNote returns the backed-up note for key. A missing backup yields
// ErrObjectNotFound.
func (s *ArtifactStore) ReadNote(ctx context.Context, key string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, NoteKey(key))
	if err != nil {
		return "", err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("failed to read note %s: %w", key, err)
	}
	return string(data), nil
}

// PutNote backs up a note under key
func (s *ArtifactStore) PutNote(ctx context.Context, key, text string) error {
	err := s.client.PutObject(ctx, s.bucket, NoteKey(key), strings.NewReader(text), int64(len(text)),
		"text/plain; charset=utf-8")
	if err != nil {
		return fmt.Errorf("failed to back up note %s: %w", key, err)
	}
	return nil
}

// NoteKeys lists the keys of every backed-up note
func (s *ArtifactStore) NoteKeys(ctx context.Context) ([]string, error) {
	objects, err := s.client.ListKeys(ctx, s.bucket, notesPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}

	var keys []string
	for _, obj := range objects {
		name := strings.TrimPrefix(obj, notesPrefix)
		if !strings.HasSuffix(name, ".txt") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".txt"))
	}
	return keys, nil
}

// IsNotFound reports whether err means the object is absent
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m4a":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".caf":
		return "audio/x-caf"
	case ".aac":
		return "audio/aac"
	default:
		return "application/octet-stream"
	}
}
