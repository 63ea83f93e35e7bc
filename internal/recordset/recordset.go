// Package recordset implements the local record store: an append-only commit
// log absorbing identified records, rolled into immutable segments and
// compacted into columnar datafiles, deduplicated by record id.
//
// A RecordSet has no background goroutines. Callers invoke RollCommitlog and
// Compact themselves, typically from a scheduler of their own. All methods
// are safe for concurrent use; Compact runs its merge without holding the
// state lock so writers are not blocked by it.
package recordset

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/arkilian/recordstore/internal/bloom"
	"github.com/arkilian/recordstore/internal/commitlog"
	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/internal/msgcodec"
	"github.com/arkilian/recordstore/internal/observability"
	"github.com/arkilian/recordstore/pkg/types"
)

// IDColumn is the column holding each record's id in a datafile.
const IDColumn = "__msgid"

// DefaultMaxDatafileSize is the size at which compaction starts a new
// datafile.
const DefaultMaxDatafileSize = 128 * 1024 * 1024

type idSet map[types.RecordID]struct{}

// RecordSet is a commit log plus a sequence of columnar datafiles sharing
// one schema and one path prefix.
type RecordSet struct {
	schema  *types.Schema
	prefix  string
	name    string
	logger  *zap.Logger
	metrics *observability.Metrics
	fpr     float64

	mu              sync.Mutex
	state           State
	maxDatafileSize uint64
	active          *commitlog.Segment
	activeIDs       idSet
	// oldIDs[i] holds the ids of state.OldCommitlogs[i]
	oldIDs []idSet
	// pending counts, per id, the segments that contain it
	pending map[types.RecordID]int
	filters map[string]*bloom.Filter
	// readers counts, per datafile path, the reads holding it open
	readers map[string]int
	// retired datafiles are removed when their last reader releases them
	retired map[string]struct{}
	closed  bool

	compactMu sync.Mutex
}

// Option configures a RecordSet.
type Option func(*RecordSet)

// WithMaxDatafileSize sets the size at which compaction splits its output.
// Zero disables splitting.
func WithMaxDatafileSize(n uint64) Option {
	return func(rs *RecordSet) { rs.maxDatafileSize = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(rs *RecordSet) {
		if logger != nil {
			rs.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(rs *RecordSet) { rs.metrics = m }
}

// WithBloomFPR sets the target false positive rate of datafile id filters.
func WithBloomFPR(fpr float64) Option {
	return func(rs *RecordSet) {
		if fpr > 0 && fpr < 1 {
			rs.fpr = fpr
		}
	}
}

// New creates a record set with an empty state. An active segment already
// present at the prefix is adopted.
func New(schema *types.Schema, prefix string, opts ...Option) (*RecordSet, error) {
	return Open(schema, prefix, State{}, opts...)
}

// Discover opens the record set at prefix with a state rebuilt from the
// files found next to it.
func Discover(schema *types.Schema, prefix string, opts ...Option) (*RecordSet, error) {
	state, err := discoverState(prefix)
	if err != nil {
		return nil, err
	}
	return Open(schema, prefix, state, opts...)
}

// Open reopens a record set from a previously persisted state. Every pending
// segment is replayed to rebuild the id sets; torn tails left by a crash are
// truncated.
func Open(schema *types.Schema, prefix string, state State, opts ...Option) (*RecordSet, error) {
	if schema == nil {
		return nil, rserrors.InvalidSchema("record set %s has no schema", prefix)
	}
	if err := os.MkdirAll(filepath.Dir(prefix), 0755); err != nil {
		return nil, rserrors.IO("failed to create directory for "+prefix, err)
	}

	rs := &RecordSet{
		schema:          schema,
		prefix:          prefix,
		name:            filepath.Base(prefix),
		logger:          zap.NewNop(),
		fpr:             bloom.DefaultFPR,
		state:           state.Clone(),
		maxDatafileSize: DefaultMaxDatafileSize,
		activeIDs:       make(idSet),
		pending:         make(map[types.RecordID]int),
		filters:         make(map[string]*bloom.Filter),
		readers:         make(map[string]int),
		retired:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(rs)
	}
	rs.logger = rs.logger.With(zap.String("recordset", rs.name))

	for _, path := range rs.state.OldCommitlogs {
		ids, err := rs.recoverSegment(path)
		if err != nil {
			return nil, err
		}
		rs.oldIDs = append(rs.oldIDs, ids)
	}

	activePath := ActiveCommitlogPath(prefix)
	if rs.state.Commitlog != nil && *rs.state.Commitlog != activePath {
		return nil, rserrors.CorruptFile(*rs.state.Commitlog, "active commit log %s does not belong to %s", *rs.state.Commitlog, prefix)
	}
	if _, err := os.Stat(activePath); err == nil {
		ids, err := rs.recoverSegment(activePath)
		if err != nil {
			return nil, err
		}
		seg, err := commitlog.OpenSegment(activePath)
		if err != nil {
			return nil, err
		}
		rs.active = seg
		rs.activeIDs = ids
		rs.state.Commitlog = &activePath
		rs.state.CommitlogSize = uint64(seg.Size())
	} else if rs.state.Commitlog != nil {
		return nil, rserrors.IO("active commit log missing", err)
	} else {
		rs.state.CommitlogSize = 0
	}

	rs.logger.Debug("opened record set",
		zap.Int("pending_segments", len(rs.state.OldCommitlogs)),
		zap.Int("datafiles", len(rs.state.Datafiles)),
		zap.Int("commitlog_records", len(rs.pending)))
	rs.publishState()
	return rs, nil
}

// recoverSegment replays a segment, truncates a torn tail and counts its ids
// as pending.
func (rs *RecordSet) recoverSegment(path string) (idSet, error) {
	ids := make(idSet)
	torn, err := commitlog.Recover(path, func(e commitlog.Entry) error {
		ids[e.ID] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if torn > 0 {
		rs.logger.Warn("truncated torn commit log tail", zap.String("path", path), zap.Int64("bytes", torn))
	}
	for id := range ids {
		rs.pending[id]++
	}
	return ids, nil
}

// Schema returns the schema records are validated against.
func (rs *RecordSet) Schema() *types.Schema {
	return rs.schema
}

// Prefix returns the path prefix of every file of the set.
func (rs *RecordSet) Prefix() string {
	return rs.prefix
}

// AddRecord appends an encoded record to the active commit log. The payload
// must decode against the schema; otherwise nothing is written. Writing an id
// that is already in the active segment replaces it.
func (rs *RecordSet) AddRecord(id types.RecordID, encoded []byte) error {
	if _, err := msgcodec.Decode(encoded, rs.schema); err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return rserrors.IO("add record to closed record set "+rs.name, os.ErrClosed)
	}
	if rs.active == nil {
		path := ActiveCommitlogPath(rs.prefix)
		seg, err := commitlog.OpenSegment(path)
		if err != nil {
			return err
		}
		rs.active = seg
		rs.state.Commitlog = &path
	}
	if err := rs.active.Append(id, encoded); err != nil {
		return err
	}
	rs.state.CommitlogSize = uint64(rs.active.Size())
	if _, ok := rs.activeIDs[id]; !ok {
		rs.activeIDs[id] = struct{}{}
		rs.pending[id]++
	}

	rs.metrics.RecordAdded(rs.name)
	rs.publishStateLocked()
	return nil
}

// AddRecordWithKey adds a record whose id is derived from an arbitrary key.
func (rs *RecordSet) AddRecordWithKey(key, encoded []byte) error {
	return rs.AddRecord(types.RecordIDFromKey(key), encoded)
}

// AddNode encodes record and adds it.
func (rs *RecordSet) AddNode(id types.RecordID, record *types.Node) error {
	encoded, err := msgcodec.Encode(record, rs.schema)
	if err != nil {
		return err
	}
	return rs.AddRecord(id, encoded)
}

// RollCommitlog closes the active segment and queues it for compaction. The
// next write opens a fresh segment. Rolling an empty or absent segment does
// nothing.
func (rs *RecordSet) RollCommitlog() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return rserrors.IO("roll closed record set "+rs.name, os.ErrClosed)
	}
	if rs.active == nil || len(rs.activeIDs) == 0 {
		return nil
	}

	from := rs.active.Path()
	if err := rs.active.Close(); err != nil {
		return err
	}
	gen := rs.state.Generation + 1
	to := RolledCommitlogPath(rs.prefix, gen)
	if err := os.Rename(from, to); err != nil {
		seg, oerr := commitlog.OpenSegment(from)
		if oerr != nil {
			rs.logger.Error("failed to reopen active commit log after a failed roll", zap.Error(oerr))
			rs.active = nil
		} else {
			rs.active = seg
		}
		return rserrors.IO("failed to roll commit log "+from, err)
	}
	syncDir(filepath.Dir(to))

	rs.state.Generation = gen
	rs.state.OldCommitlogs = append(rs.state.OldCommitlogs, to)
	rs.state.Commitlog = nil
	rs.state.CommitlogSize = 0
	rs.oldIDs = append(rs.oldIDs, rs.activeIDs)
	rs.activeIDs = make(idSet)
	rs.active = nil

	rs.logger.Debug("rolled commit log", zap.String("segment", to), zap.Int("segments_pending", len(rs.state.OldCommitlogs)))
	rs.metrics.Rolled(rs.name)
	return nil
}

// CommitlogSize returns the number of distinct record ids written to commit
// log segments that have not been compacted yet, the active one included.
func (rs *RecordSet) CommitlogSize() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.pending)
}

// GetState returns a copy of the current state.
func (rs *RecordSet) GetState() State {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state.Clone()
}

// acquire returns the current datafiles and keeps them on disk until they
// are passed to release, even if a compaction replaces them meanwhile.
func (rs *RecordSet) acquire() []Datafile {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	datafiles := append([]Datafile(nil), rs.state.Datafiles...)
	for _, df := range datafiles {
		rs.readers[df.Path]++
	}
	return datafiles
}

func (rs *RecordSet) release(datafiles []Datafile) {
	var remove []string
	rs.mu.Lock()
	for _, df := range datafiles {
		if rs.readers[df.Path]--; rs.readers[df.Path] > 0 {
			continue
		}
		delete(rs.readers, df.Path)
		if _, ok := rs.retired[df.Path]; ok {
			delete(rs.retired, df.Path)
			delete(rs.filters, df.Path)
			remove = append(remove, df.Path)
		}
	}
	rs.mu.Unlock()

	for _, path := range remove {
		removeDatafile(rs.logger, path)
	}
}

// NumRecords returns the number of compacted records.
func (rs *RecordSet) NumRecords() uint64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state.NumRecords()
}

// SetMaxDatafileSize changes the split size used by later compactions.
func (rs *RecordSet) SetMaxDatafileSize(n uint64) {
	rs.mu.Lock()
	rs.maxDatafileSize = n
	rs.mu.Unlock()
}

// Close closes the active segment. A compaction in progress is waited for.
func (rs *RecordSet) Close() error {
	rs.compactMu.Lock()
	defer rs.compactMu.Unlock()
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil
	}
	rs.closed = true
	if rs.active != nil {
		return rs.active.Close()
	}
	return nil
}

// nextGeneration reserves a generation number.
func (rs *RecordSet) nextGeneration() uint64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.state.Generation++
	return rs.state.Generation
}

func (rs *RecordSet) publishState() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.publishStateLocked()
}

func (rs *RecordSet) publishStateLocked() {
	rs.metrics.SetState(rs.name, len(rs.pending), len(rs.state.Datafiles))
}

// filter returns the id filter of a datafile, loading its sidecar on first
// use. A missing sidecar yields nil and the datafile is always scanned.
func (rs *RecordSet) filter(path string) *bloom.Filter {
	rs.mu.Lock()
	f, ok := rs.filters[path]
	rs.mu.Unlock()
	if ok {
		return f
	}

	f, err := bloom.ReadSidecar(path)
	if err != nil {
		rs.logger.Warn("datafile has no usable id filter", zap.String("path", path), zap.Error(err))
		f = nil
	}
	rs.mu.Lock()
	rs.filters[path] = f
	rs.mu.Unlock()
	return f
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
