package types

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// RecordID identifies a record across commit logs and datafiles. Writing the
// same id twice replaces the earlier record.
type RecordID uint64

// String renders the id as 16 lower-case hex digits.
func (id RecordID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// Bytes returns the big-endian encoding used for bloom filter membership.
func (id RecordID) Bytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

// ParseRecordID parses a hex id, with or without a 0x prefix.
func ParseRecordID(s string) (RecordID, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 0 || len(s) > 16 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRecordID, s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRecordID, s)
	}
	return RecordID(v), nil
}

// RecordIDFromKey derives an id from an arbitrary natural key by taking the
// leading 64 bits of its SHA1 digest.
func RecordIDFromKey(key []byte) RecordID {
	sum := sha1.Sum(key)
	return RecordID(binary.BigEndian.Uint64(sum[:8]))
}

// NewRandomRecordID returns an id derived from a random (v4) UUID.
func NewRandomRecordID() RecordID {
	u := uuid.New()
	return RecordID(binary.BigEndian.Uint64(u[:8]) ^ binary.BigEndian.Uint64(u[8:]))
}
