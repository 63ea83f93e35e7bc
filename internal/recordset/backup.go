package recordset

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/arkilian/recordstore/internal/bloom"
	"github.com/arkilian/recordstore/internal/storage"
)

const transferConcurrency = 4

// Backup uploads every current datafile and its id filter to store under
// remotePrefix. Commit log segments are not included; compact first to back
// up everything. It returns the object paths written.
func (rs *RecordSet) Backup(ctx context.Context, store storage.ObjectStorage, remotePrefix string) ([]string, error) {
	datafiles := rs.acquire()
	defer rs.release(datafiles)

	var transfers []storage.Transfer
	for _, df := range datafiles {
		for _, local := range []string{df.Path, bloom.SidecarPath(df.Path)} {
			if _, err := os.Stat(local); err != nil {
				continue
			}
			transfers = append(transfers, storage.Transfer{
				LocalPath:  local,
				ObjectPath: path.Join(remotePrefix, filepath.Base(local)),
			})
		}
	}
	if err := storage.NewTransferer(store, transferConcurrency).Upload(ctx, transfers); err != nil {
		return nil, err
	}

	objects := make([]string, len(transfers))
	for i, tr := range transfers {
		objects[i] = tr.ObjectPath
	}
	rs.logger.Info("backed up datafiles", zap.String("remote_prefix", remotePrefix), zap.Int("objects", len(objects)))
	return objects, nil
}

// Restore downloads the datafiles of the set named by prefix from
// remotePrefix into the directory of prefix. Open the set with Discover
// afterwards.
func Restore(ctx context.Context, store storage.ObjectStorage, remotePrefix, prefix string) (int, error) {
	objects, err := store.ListObjects(ctx, remotePrefix)
	if err != nil {
		return 0, err
	}
	dir, base := filepath.Dir(prefix), filepath.Base(prefix)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	var transfers []storage.Transfer
	for _, obj := range objects {
		name := path.Base(obj)
		if !strings.HasPrefix(name, base+".") {
			continue
		}
		if _, ok := parseGeneration(strings.TrimSuffix(name, bloom.SidecarSuffix), base, datafileSuffix); !ok {
			continue
		}
		transfers = append(transfers, storage.Transfer{
			LocalPath:  filepath.Join(dir, name),
			ObjectPath: obj,
		})
	}
	if err := storage.NewTransferer(store, transferConcurrency).Download(ctx, transfers); err != nil {
		return 0, err
	}
	return len(transfers), nil
}
