package bloom

import (
	"encoding/binary"
	"os"

	"github.com/golang/snappy"

	rserrors "github.com/arkilian/recordstore/internal/errors"
)

// SidecarSuffix is appended to a datafile path to name its filter.
const SidecarSuffix = ".bloom"

// SidecarPath returns the filter path for a datafile.
func SidecarPath(datafile string) string {
	return datafile + SidecarSuffix
}

// Marshal encodes the filter as
//
//	[num_bits u64][num_hashes u64][count u64][snappy(bit words, little endian)]
func (f *Filter) Marshal() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()

	raw := make([]byte, len(f.bits)*8)
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(raw[i*8:], w)
	}
	buf := make([]byte, 24, 24+snappy.MaxEncodedLen(len(raw)))
	binary.LittleEndian.PutUint64(buf[0:], f.numBits)
	binary.LittleEndian.PutUint64(buf[8:], f.numHashes)
	binary.LittleEndian.PutUint64(buf[16:], f.count)
	return append(buf, snappy.Encode(nil, raw)...)
}

// Unmarshal decodes a filter produced by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < 24 {
		return nil, rserrors.CorruptFile("", "bloom filter too short: %d bytes", len(data))
	}
	numBits := binary.LittleEndian.Uint64(data[0:])
	numHashes := binary.LittleEndian.Uint64(data[8:])
	count := binary.LittleEndian.Uint64(data[16:])
	if numBits == 0 || numBits%64 != 0 || numHashes == 0 {
		return nil, rserrors.CorruptFile("", "bloom filter has invalid parameters bits=%d hashes=%d", numBits, numHashes)
	}

	raw, err := snappy.Decode(nil, data[24:])
	if err != nil {
		return nil, rserrors.CorruptFile("", "bloom filter decompression failed: %v", err)
	}
	words := numBits / 64
	if uint64(len(raw)) != words*8 {
		return nil, rserrors.CorruptFile("", "bloom filter holds %d bytes, want %d", len(raw), words*8)
	}
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return &Filter{bits: bits, numBits: numBits, numHashes: numHashes, count: count}, nil
}

// WriteSidecar writes the filter next to datafile, through a temporary file
// renamed into place.
func WriteSidecar(datafile string, f *Filter) error {
	path := SidecarPath(datafile)
	tmp := path + "~"
	if err := os.WriteFile(tmp, f.Marshal(), 0644); err != nil {
		os.Remove(tmp)
		return rserrors.IO("failed to write bloom filter "+tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return rserrors.IO("failed to rename bloom filter "+tmp, err)
	}
	return nil
}

// ReadSidecar loads the filter of datafile.
func ReadSidecar(datafile string) (*Filter, error) {
	path := SidecarPath(datafile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rserrors.NotFound("no bloom filter for %s", datafile)
		}
		return nil, rserrors.IO("failed to read bloom filter "+path, err)
	}
	f, err := Unmarshal(data)
	if err != nil {
		if re, ok := err.(*rserrors.RecordStoreError); ok {
			return nil, re.WithDetails(map[string]interface{}{"path": path})
		}
		return nil, err
	}
	return f, nil
}
