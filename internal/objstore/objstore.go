// Package objstore abstracts the object storage used for cached aggregation
// payloads and uploaded file data. Implementations cover S3-compatible
// services, the local filesystem and an in-memory store for tests.
package objstore

import (
	"context"
	"errors"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
)

// ObjectStore reads and writes opaque blobs addressed by URI. URIs are
// slash-separated keys minted by the caller; the store never interprets them.
type ObjectStore interface {
	// Put writes a blob under the given URI, overwriting any existing blob.
	Put(ctx context.Context, uri string, data []byte) error

	// Get reads the blob stored under the given URI.
	// Returns ErrObjectNotFound when no blob exists.
	Get(ctx context.Context, uri string) ([]byte, error)

	// Exists reports whether a blob exists under the given URI.
	Exists(ctx context.Context, uri string) (bool, error)

	// Delete removes the blob under the given URI. Deleting a missing blob
	// is not an error.
	Delete(ctx context.Context, uri string) error
}
