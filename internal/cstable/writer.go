package cstable

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	rserrors "github.com/arkilian/recordstore/internal/errors"
)

// TempSuffix is appended to a file's final path while it is being written.
const TempSuffix = "~"

// FileInfo describes a written columnar file.
type FileInfo struct {
	Path       string
	NumRecords uint64
	Size       uint64
	// Checksum is the xxhash64 of the whole file
	Checksum uint64
}

// headerSize returns the encoded size of the file header for columns:
// record_count u64, column_count u32, then per column name_len u32, name,
// body_offset u64, body_size u64.
func headerSize(columns []Column) uint64 {
	size := uint64(8 + 4)
	for _, c := range columns {
		size += 4 + uint64(len(c.Name)) + 8 + 8
	}
	return size
}

// WriteFile serializes the header and column bodies to path. The file is
// written to path+TempSuffix, synced and renamed into place; on failure the
// temporary file is removed and nothing exists at path.
func WriteFile(path string, numRecords uint64, columns []Column) (info *FileInfo, err error) {
	tmp := path + TempSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, rserrors.IO("failed to create "+tmp, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	hash := xxhash.New()
	bw := bufio.NewWriterSize(io.MultiWriter(f, hash), 256*1024)

	hdr := make([]byte, 0, headerSize(columns))
	hdr = binary.LittleEndian.AppendUint64(hdr, numRecords)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(columns)))
	offset := headerSize(columns)
	for _, c := range columns {
		size := c.Writer.BodySize()
		hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(c.Name)))
		hdr = append(hdr, c.Name...)
		hdr = binary.LittleEndian.AppendUint64(hdr, offset)
		hdr = binary.LittleEndian.AppendUint64(hdr, size)
		offset += size
	}
	if _, err = bw.Write(hdr); err != nil {
		return nil, rserrors.IO("failed to write header of "+tmp, err)
	}

	for _, c := range columns {
		n, werr := c.Writer.WriteTo(bw)
		if werr != nil {
			err = rserrors.IO("failed to write column "+c.Name, werr)
			return nil, err
		}
		if uint64(n) != c.Writer.BodySize() {
			err = rserrors.NewInternalError("column "+c.Name+" wrote an unexpected number of bytes", nil)
			return nil, err
		}
	}

	if err = bw.Flush(); err != nil {
		return nil, rserrors.IO("failed to flush "+tmp, err)
	}
	if err = f.Sync(); err != nil {
		return nil, rserrors.IO("failed to sync "+tmp, err)
	}
	if err = f.Close(); err != nil {
		return nil, rserrors.IO("failed to close "+tmp, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return nil, rserrors.IO("failed to rename "+tmp, err)
	}
	syncDir(filepath.Dir(path))

	return &FileInfo{
		Path:       path,
		NumRecords: numRecords,
		Size:       offset,
		Checksum:   hash.Sum64(),
	}, nil
}

// syncDir makes a completed rename durable. Errors are ignored; not every
// platform supports syncing a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
