// Package writer accumulates processed records into size-bounded
// batches, seals each batch with a fresh data key, and hands the
// result to object storage together with its manifest.
package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cenkalti/backoff/v4"
)

// Error definitions
var (
	ErrS3ClientNotInitialized   = errors.New("S3 client not initialized")
	ErrS3UploaderNotInitialized = errors.New("S3 uploader not initialized")
)

// multipartThreshold is the object size above which uploads go through
// the multipart upload manager.
const multipartThreshold = 100 * 1024 * 1024

// Object is one blob headed for storage.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// Sink stores sealed objects. Implementations retry transient failures
// themselves; a returned error is final and fatal for the partition.
type Sink interface {
	Put(ctx context.Context, object Object) error
}

// S3Sink stores objects in one S3 bucket with bounded exponential
// backoff around each upload.
type S3Sink struct {
	client     *s3.S3
	uploader   *s3manager.Uploader
	bucket     string
	maxRetries uint64
	logger     *slog.Logger
}

// NewS3Sink creates a sink for the given bucket.
func NewS3Sink(client *s3.S3, uploader *s3manager.Uploader, bucket string, maxRetries int, logger *slog.Logger) *S3Sink {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &S3Sink{
		client:     client,
		uploader:   uploader,
		bucket:     bucket,
		maxRetries: uint64(maxRetries),
		logger:     logger,
	}
}

// Put uploads one object, retrying with exponential backoff until the
// retry budget is exhausted.
func (s *S3Sink) Put(ctx context.Context, object Object) error {
	s.logger.Debug(fmt.Sprintf("Uploading to s3://%s/%s (size: %d bytes)",
		s.bucket, object.Key, len(object.Body)))

	operation := func() error {
		return s.put(ctx, object)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)

	if err := backoff.RetryNotify(operation, policy, retryNotify(s.logger, "upload")); err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, object.Key, err)
	}
	return nil
}

func (s *S3Sink) put(ctx context.Context, object Object) error {
	metadata := make(map[string]*string, len(object.Metadata))
	for k, v := range object.Metadata {
		metadata[k] = aws.String(v)
	}

	// Use multipart upload for large objects
	if len(object.Body) > multipartThreshold {
		if s.uploader == nil {
			return backoff.Permanent(ErrS3UploaderNotInitialized)
		}
		_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(object.Key),
			Body:        bytes.NewReader(object.Body),
			ContentType: aws.String(object.ContentType),
			Metadata:    metadata,
		})
		return err
	}

	if s.client == nil {
		return backoff.Permanent(ErrS3ClientNotInitialized)
	}
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(object.Key),
		Body:        bytes.NewReader(object.Body),
		ContentType: aws.String(object.ContentType),
		Metadata:    metadata,
	})
	return err
}

// FileSink stores objects under a local directory, mirroring their
// keys as relative paths. Used for dry runs and local verification.
type FileSink struct {
	dir    string
	logger *slog.Logger
}

// NewFileSink creates a sink rooted at dir.
func NewFileSink(dir string, logger *slog.Logger) *FileSink {
	return &FileSink{dir: dir, logger: logger}
}

// Put writes one object to disk. Metadata goes to a sidecar file so
// sealed batches stay decryptable during verification.
func (f *FileSink) Put(_ context.Context, object Object) error {
	path := filepath.Join(f.dir, filepath.FromSlash(object.Key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, object.Body, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if len(object.Metadata) > 0 {
		var meta bytes.Buffer
		for k, v := range object.Metadata {
			fmt.Fprintf(&meta, "%s=%s\n", k, v)
		}
		if err := os.WriteFile(path+".metadata", meta.Bytes(), 0o644); err != nil {
			return fmt.Errorf("failed to write %s.metadata: %w", path, err)
		}
	}

	f.logger.Debug(fmt.Sprintf("Wrote %s (size: %d bytes)", path, len(object.Body)))
	return nil
}

// retryNotify logs each backoff attempt. Kept separate so sinks other
// than S3 can reuse it.
func retryNotify(logger *slog.Logger, what string) backoff.Notify {
	return func(err error, next time.Duration) {
		logger.Warn(fmt.Sprintf("%s failed, retrying in %s", what, next.Round(time.Millisecond)),
			"error", err.Error())
	}
}
