// Package bloom provides the record-id bloom filters kept next to each
// datafile, so point lookups can skip files that cannot hold an id.
package bloom

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/arkilian/recordstore/pkg/types"
)

// DefaultFPR is the target false positive rate when none is configured.
const DefaultFPR = 0.01

// Filter is a bloom filter over record ids. It never reports a false
// negative: every added id is reported as possibly present.
type Filter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter sized for expected ids at the target false positive
// rate. Out of range arguments fall back to defaults.
func New(expected int, fpr float64) *Filter {
	numBits, numHashes := OptimalParameters(expected, fpr)
	words := (numBits + 63) / 64
	return &Filter{
		bits:      make([]uint64, words),
		numBits:   uint64(words * 64),
		numHashes: uint64(numHashes),
	}
}

// OptimalParameters returns the bit count m = -n ln(p) / ln(2)^2 and hash
// count k = (m/n) ln(2) for n expected items at false positive rate p.
func OptimalParameters(expected int, fpr float64) (numBits, numHashes int) {
	if expected <= 0 {
		expected = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = DefaultFPR
	}
	n := float64(expected)
	m := -n * math.Log(fpr) / (math.Ln2 * math.Ln2)
	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil(m / n * math.Ln2))
	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// AddID records id.
func (f *Filter) AddID(id types.RecordID) {
	f.Add(id.Bytes())
}

// MayContainID reports whether id may have been added.
func (f *Filter) MayContainID(id types.RecordID) bool {
	return f.Contains(id.Bytes())
}

// Add records an arbitrary key.
func (f *Filter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// Contains reports whether key may have been added.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) NumBits() int   { return int(f.numBits) }
func (f *Filter) NumHashes() int { return int(f.numHashes) }

// Count returns the number of keys added.
func (f *Filter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// EstimatedFPR returns (1 - e^(-kn/m))^k for the current fill.
func (f *Filter) EstimatedFPR() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.count == 0 {
		return 0
	}
	k := float64(f.numHashes)
	return math.Pow(1-math.Exp(-k*float64(f.count)/float64(f.numBits)), k)
}
