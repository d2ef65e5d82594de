package objectstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"

	"github.com/minio/minio-go/v7"
)

// Store abstracts artifact storage: S3-compatible object storage in
// production, a local directory for single-node deployments.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// IsNotExist reports whether err means the object is gone, regardless of
// backend.
func IsNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

// Check verifies a store is reachable by statting a well-known probe key.
// A missing probe object is fine; any other error is a readiness failure.
func Check(ctx context.Context, store Store, bucket string) error {
	_, err := store.Stat(ctx, bucket, ".probe")
	if err != nil && !IsNotExist(err) {
		return err
	}
	return nil
}
