package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	rserrors "github.com/arkilian/recordstore/internal/errors"
)

// LocalStorage implements ObjectStorage on a directory of the local
// filesystem. Object paths are slash separated and relative to the base.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the base directory if needed.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, rserrors.IO("failed to create base directory "+basePath, err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Upload copies a file into the store through a temporary file, so a
// concurrent reader never sees a partial object.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := l.fullPath(objectPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return rserrors.NewStorageError(CodeUploadFailed, "failed to create object directory", err)
	}
	if err := copyFile(localPath, dest); err != nil {
		return rserrors.NewStorageError(CodeUploadFailed, "failed to upload "+objectPath, err)
	}
	return nil
}

// Download copies an object to localPath.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src := l.fullPath(objectPath)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return objectNotFound(objectPath)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return rserrors.NewStorageError(CodeDownloadFailed, "failed to create destination directory", err)
	}
	if err := copyFile(src, localPath); err != nil {
		return rserrors.NewStorageError(CodeDownloadFailed, "failed to download "+objectPath, err)
	}
	return nil
}

func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(l.fullPath(objectPath)); err != nil && !os.IsNotExist(err) {
		return rserrors.NewStorageError(CodeDeleteFailed, "failed to delete "+objectPath, err)
	}
	return nil
}

func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(l.fullPath(objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, rserrors.IO("failed to stat "+objectPath, err)
	}
	return true, nil
}

// ListObjects walks the directory under prefix. Paths are returned slash
// separated and relative to the base.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var objects []string
	err := filepath.Walk(l.fullPath(prefix), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || filepath.Ext(path) == tmpSuffix {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		objects = append(objects, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, rserrors.NewStorageError(CodeListFailed, "failed to list "+prefix, err)
	}
	return objects, nil
}

func (l *LocalStorage) fullPath(objectPath string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(objectPath))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + tmpSuffix
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
