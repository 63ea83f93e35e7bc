// Package storage provides the object storage backends record set backups
// are written to.
package storage

import (
	"context"

	rserrors "github.com/arkilian/recordstore/internal/errors"
)

// Storage error codes, in the STORAGE category.
const (
	CodeUploadFailed   = rserrors.CodeUploadFailed
	CodeDownloadFailed = rserrors.CodeDownloadFailed
	CodeDeleteFailed   = "DELETE_FAILED"
	CodeListFailed     = "LIST_FAILED"
)

// tmpSuffix marks partially written local files. Listings skip them.
const tmpSuffix = ".tmp"

// ObjectStorage abstracts an object store.
// Implementations are the local filesystem and S3.
type ObjectStorage interface {
	// Upload copies the local file at localPath to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to localPath. A missing object yields an
	// error matching errors.ErrNotFound.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns every object path under prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

func objectNotFound(objectPath string) error {
	return rserrors.NotFound("object %s not found", objectPath)
}
