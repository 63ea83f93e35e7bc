package cstable

import (
	"encoding/binary"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"

	rserrors "github.com/arkilian/recordstore/internal/errors"
)

// ColumnInfo is one header entry of a columnar file.
type ColumnInfo struct {
	Name   string
	Offset uint64
	Size   uint64
}

// Reader is an open, memory-mapped columnar file. Column cursors borrow the
// mapping and must not be used after Close.
type Reader struct {
	path       string
	file       *os.File
	data       mmap.MMap
	numRecords uint64
	columns    []ColumnInfo
	byName     map[string]int
}

// Open maps path read-only and parses its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, rserrors.IO("failed to open "+path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, rserrors.IO("failed to stat "+path, err)
	}
	if fi.Size() < 12 {
		f.Close()
		return nil, rserrors.CorruptFile(path, "file %s is too short for a header (%d bytes)", path, fi.Size())
	}
	data, err := mmap.MapRegion(f, int(fi.Size()), mmap.RDONLY, 0, 0)
	if err != nil {
		f.Close()
		return nil, rserrors.IO("failed to mmap "+path, err)
	}

	r := &Reader{
		path:   path,
		file:   f,
		data:   data,
		byName: make(map[string]int),
	}
	if err := r.parseHeader(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) parseHeader() error {
	b := []byte(r.data)
	size := uint64(len(b))

	r.numRecords = binary.LittleEndian.Uint64(b[0:8])
	numColumns := binary.LittleEndian.Uint32(b[8:12])
	pos := uint64(12)

	for i := uint32(0); i < numColumns; i++ {
		if pos+4 > size {
			return rserrors.CorruptFile(r.path, "header truncated at column %d", i)
		}
		nameLen := uint64(binary.LittleEndian.Uint32(b[pos:]))
		pos += 4
		if pos+nameLen+16 > size {
			return rserrors.CorruptFile(r.path, "header truncated at column %d", i)
		}
		name := string(b[pos : pos+nameLen])
		pos += nameLen
		offset := binary.LittleEndian.Uint64(b[pos:])
		bodySize := binary.LittleEndian.Uint64(b[pos+8:])
		pos += 16

		if offset > size || bodySize > size-offset {
			return rserrors.CorruptFile(r.path, "column %q range [%d,+%d) exceeds file size %d", name, offset, bodySize, size)
		}
		if _, dup := r.byName[name]; dup {
			return rserrors.CorruptFile(r.path, "duplicate column %q", name)
		}
		r.byName[name] = len(r.columns)
		r.columns = append(r.columns, ColumnInfo{Name: name, Offset: offset, Size: bodySize})
	}
	for _, c := range r.columns {
		if c.Offset < pos {
			return rserrors.CorruptFile(r.path, "column %q body overlaps the header", c.Name)
		}
	}
	return nil
}

// Path returns the file path.
func (r *Reader) Path() string { return r.path }

// NumRecords returns the record count from the header.
func (r *Reader) NumRecords() uint64 { return r.numRecords }

// Columns returns the header entries in file order.
func (r *Reader) Columns() []ColumnInfo { return r.columns }

// HasColumn reports whether the file contains a column with the given name.
func (r *Reader) HasColumn(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// ColumnReader returns a fresh cursor over the named column. Cursors are
// independent of each other.
func (r *Reader) ColumnReader(name string) (ColumnReader, error) {
	i, ok := r.byName[name]
	if !ok {
		return nil, rserrors.NotFound("column %q not found in %s", name, r.path)
	}
	c := r.columns[i]
	cr, err := newColumnReader(name, r.data[c.Offset:c.Offset+c.Size])
	if err != nil {
		if re, ok := err.(*rserrors.RecordStoreError); ok {
			return nil, re.WithDetails(map[string]interface{}{"path": r.path, "column": name})
		}
		return nil, err
	}
	return cr, nil
}

// Checksum returns the xxhash64 of the whole file.
func (r *Reader) Checksum() uint64 {
	return xxhash.Sum64(r.data)
}

// VerifyChecksum compares the xxhash64 of the whole file with expected.
func (r *Reader) VerifyChecksum(expected uint64) error {
	if got := r.Checksum(); got != expected {
		return rserrors.CorruptFile(r.path, "checksum mismatch: got %016x, want %016x", got, expected)
	}
	return nil
}

// Close unmaps the file.
func (r *Reader) Close() error {
	var err error
	if r.data != nil {
		err = r.data.Unmap()
		r.data = nil
	}
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
	}
	return err
}
