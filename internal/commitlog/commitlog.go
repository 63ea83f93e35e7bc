// Package commitlog implements the append-only segment files that absorb
// record writes before compaction.
//
// Each entry is framed as [length:4][crc32:4][record_id:8][payload], little
// endian, where length covers record_id and payload and the CRC (IEEE) is
// computed over the same bytes. A torn or corrupt entry ends the valid
// prefix of a segment; replay stops there.
package commitlog

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/pkg/types"
)

const (
	frameHeaderSize = 4 + 4
	idSize          = 8

	// MaxEntrySize bounds a single entry's id and payload.
	MaxEntrySize = 64 * 1024 * 1024
)

// Entry is one decoded commit log entry.
type Entry struct {
	ID      types.RecordID
	Payload []byte
}

// Segment is an open commit log segment accepting appends.
type Segment struct {
	path string
	file *os.File
	size int64
	mu   sync.Mutex
}

// OpenSegment opens path for appending, creating it if needed. Appends go
// after the current end of the file; callers that reopen a segment after a
// crash should Recover it first.
func OpenSegment(path string) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, rserrors.IO("failed to open commit log segment", err)
	}
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, rserrors.IO("failed to seek commit log segment", err)
	}
	return &Segment{path: path, file: file, size: offset}, nil
}

// Path returns the segment's file path.
func (s *Segment) Path() string { return s.path }

// Size returns the segment size in bytes.
func (s *Segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Append writes one entry and fsyncs the segment. On error the segment is
// truncated back to its previous size, so earlier entries stay valid.
func (s *Segment) Append(id types.RecordID, payload []byte) error {
	if len(payload)+idSize > MaxEntrySize {
		return rserrors.CorruptRecord("record %s payload of %d bytes exceeds the maximum entry size", id, len(payload))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return rserrors.IO("append to closed commit log segment "+s.path, os.ErrClosed)
	}

	buf := encodeEntry(id, payload)
	if _, err := s.file.Write(buf); err != nil {
		s.rollback()
		return rserrors.IO("failed to write commit log entry", err)
	}
	if err := s.file.Sync(); err != nil {
		s.rollback()
		return rserrors.IO("failed to fsync commit log segment", err)
	}
	s.size += int64(len(buf))
	return nil
}

func (s *Segment) rollback() {
	if err := s.file.Truncate(s.size); err == nil {
		s.file.Seek(s.size, io.SeekStart)
	}
}

// Close fsyncs and closes the segment.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		s.file = nil
		return rserrors.IO("failed to fsync commit log segment on close", err)
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return rserrors.IO("failed to close commit log segment", err)
	}
	return nil
}

func encodeEntry(id types.RecordID, payload []byte) []byte {
	length := idSize + len(payload)
	buf := make([]byte, frameHeaderSize+length)
	binary.LittleEndian.PutUint32(buf[0:], uint32(length))
	binary.LittleEndian.PutUint64(buf[frameHeaderSize:], uint64(id))
	copy(buf[frameHeaderSize+idSize:], payload)
	binary.LittleEndian.PutUint32(buf[4:], crc32.ChecksumIEEE(buf[frameHeaderSize:]))
	return buf
}

// Replay calls fn for every valid entry of the segment at path, in write
// order. It returns the length of the valid prefix; anything after it is a
// torn or corrupt tail. An error returned by fn stops the replay and is
// returned as is.
func Replay(path string, fn func(Entry) error) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, rserrors.IO("failed to open commit log segment", err)
	}
	defer file.Close()

	r := bufio.NewReaderSize(file, 64*1024)
	var (
		valid int64
		hdr   [frameHeaderSize]byte
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return valid, nil
			}
			return valid, rserrors.IO("failed to read commit log segment", err)
		}
		length := binary.LittleEndian.Uint32(hdr[0:])
		crc := binary.LittleEndian.Uint32(hdr[4:])
		if length < idSize || length > MaxEntrySize {
			return valid, nil
		}

		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return valid, nil
			}
			return valid, rserrors.IO("failed to read commit log segment", err)
		}
		if crc32.ChecksumIEEE(body) != crc {
			return valid, nil
		}

		e := Entry{
			ID:      types.RecordID(binary.LittleEndian.Uint64(body)),
			Payload: body[idSize:],
		}
		if err := fn(e); err != nil {
			return valid, err
		}
		valid += int64(frameHeaderSize) + int64(length)
	}
}

// ReadEntries returns every valid entry of a segment.
func ReadEntries(path string) ([]Entry, error) {
	var entries []Entry
	_, err := Replay(path, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Truncate cuts the segment at path to size bytes.
func Truncate(path string, size int64) error {
	if err := os.Truncate(path, size); err != nil {
		return rserrors.IO("failed to truncate commit log segment", err)
	}
	return nil
}

// Recover replays the segment at path like Replay, then truncates any torn
// tail. It returns the number of bytes cut off.
func Recover(path string, fn func(Entry) error) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, rserrors.IO("failed to stat commit log segment", err)
	}
	valid, err := Replay(path, fn)
	if err != nil {
		return 0, err
	}
	if torn := fi.Size() - valid; torn > 0 {
		if err := Truncate(path, valid); err != nil {
			return 0, err
		}
		return torn, nil
	}
	return 0, nil
}
