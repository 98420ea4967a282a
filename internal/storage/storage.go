// Package storage provides the object-store abstraction run files are
// uploaded to. Implementations cover S3-compatible services and the
// local filesystem for offline runs and tests.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
)

// ObjectStorage is the blob store run files land in. Keys follow
// runs/<run_id>/files/<logical_name>.
type ObjectStorage interface {
	// Upload stores the file at localPath under objectPath, switching
	// to multipart transfer for large files. Returns the provider's
	// ETag for the stored object.
	Upload(ctx context.Context, localPath, objectPath string) (string, error)

	// Exists reports whether an object is already stored.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MultipartThreshold is the file size above which uploads switch to
// multipart transfer, and the size of each part.
const MultipartThreshold = 5 * 1024 * 1024
