package recordset

import (
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/arkilian/recordstore/internal/bloom"
	"github.com/arkilian/recordstore/internal/commitlog"
	"github.com/arkilian/recordstore/internal/cstable"
	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/internal/msgcodec"
	"github.com/arkilian/recordstore/pkg/types"
)

// pendingRecords is the merged content of the rolled segments: the latest
// payload per id and the order in which ids were first seen.
type pendingRecords struct {
	latest map[types.RecordID][]byte
	order  []types.RecordID
}

// compaction is one merge in progress. Its outputs are removed unless the
// swap succeeds.
type compaction struct {
	rs       *RecordSet
	maxSize  uint64
	pending  *pendingRecords
	consumed idSet
	written  []Datafile
	filters  map[string]*bloom.Filter
	records  uint64
}

// Compact merges every rolled segment with the existing datafiles into new
// datafiles. A record id present in several places keeps its newest version:
// a later segment wins over an earlier one and any segment wins over a
// datafile.
//
// Datafiles no pending id can be in are kept as they are, except the last
// one, which is always rewritten so new records fill it up. On success the
// merged segments and replaced datafiles are deleted. On failure the state
// is unchanged and the call can be retried. Compact returns immediately if
// another compaction is running, and does nothing if no segment was rolled.
func (rs *RecordSet) Compact() error {
	if !rs.compactMu.TryLock() {
		rs.logger.Debug("compaction already running")
		rs.metrics.Compacted(rs.name, "busy", 0, 0)
		return nil
	}
	defer rs.compactMu.Unlock()

	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return rserrors.IO("compact closed record set "+rs.name, os.ErrClosed)
	}
	segments := append([]string(nil), rs.state.OldCommitlogs...)
	datafiles := append([]Datafile(nil), rs.state.Datafiles...)
	maxSize := rs.maxDatafileSize
	rs.mu.Unlock()

	if len(segments) == 0 {
		rs.metrics.Compacted(rs.name, "noop", 0, 0)
		return nil
	}

	start := time.Now()
	c := &compaction{
		rs:       rs,
		maxSize:  maxSize,
		consumed: make(idSet),
		filters:  make(map[string]*bloom.Filter),
	}
	result, replaced, err := c.run(segments, datafiles)
	if err != nil {
		c.abort()
		rs.logger.Error("compaction failed", zap.Int("segments", len(segments)), zap.Error(err))
		rs.metrics.Compacted(rs.name, "error", 0, 0)
		return err
	}

	for _, path := range rs.swap(segments, result, replaced, c.filters) {
		removeDatafile(rs.logger, path)
	}
	for _, path := range segments {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			rs.logger.Warn("failed to remove compacted commit log", zap.String("path", path), zap.Error(err))
		}
	}

	took := time.Since(start)
	rs.logger.Info("compaction finished",
		zap.Int("segments", len(segments)),
		zap.Int("datafiles_written", len(c.written)),
		zap.Int("datafiles", len(result)),
		zap.Uint64("records_written", c.records),
		zap.Duration("took", took))
	rs.metrics.Compacted(rs.name, "ok", took, c.records)
	return nil
}

// run produces the datafile list that replaces datafiles, plus the entries
// it no longer references.
func (c *compaction) run(segments []string, datafiles []Datafile) (result, replaced []Datafile, err error) {
	c.pending, err = readSegments(segments)
	if err != nil {
		return nil, nil, err
	}

	var tail []*mergeRecord
	for i, df := range datafiles {
		last := i == len(datafiles)-1
		if !last && !c.touches(df.Path) {
			result = append(result, df)
			continue
		}
		records, err := c.readDatafile(df.Path)
		if err != nil {
			return nil, nil, err
		}
		replaced = append(replaced, df)
		if last {
			tail = records
			break
		}
		out, err := c.write(records)
		if err != nil {
			return nil, nil, err
		}
		result = append(result, out...)
	}

	for _, id := range c.pending.order {
		if _, ok := c.consumed[id]; ok {
			continue
		}
		tail = append(tail, &mergeRecord{id: id, payload: c.pending.latest[id]})
	}
	out, err := c.write(tail)
	if err != nil {
		return nil, nil, err
	}
	result = append(result, out...)

	var offset uint64
	for i := range result {
		result[i].Offset = offset
		offset += result[i].NumRecords
	}
	return result, replaced, nil
}

// readSegments merges the entries of segments in order. Later entries for
// an id replace earlier ones but keep its first position.
func readSegments(segments []string) (*pendingRecords, error) {
	p := &pendingRecords{latest: make(map[types.RecordID][]byte)}
	for _, path := range segments {
		_, err := commitlog.Replay(path, func(e commitlog.Entry) error {
			if _, ok := p.latest[e.ID]; !ok {
				p.order = append(p.order, e.ID)
			}
			p.latest[e.ID] = e.Payload
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// touches reports whether a pending id may be stored in the datafile.
func (c *compaction) touches(path string) bool {
	f := c.rs.filter(path)
	if f == nil {
		return true
	}
	for _, id := range c.pending.order {
		if f.MayContainID(id) {
			return true
		}
	}
	return false
}

// mergeRecord is a record on its way into a new datafile, either already
// materialized or still encoded as a commit log payload.
type mergeRecord struct {
	id      types.RecordID
	node    *types.Node
	payload []byte
}

// readDatafile loads every record of a datafile, replacing those with a
// pending newer version.
func (c *compaction) readDatafile(path string) ([]*mergeRecord, error) {
	cur, err := openCursor(c.rs.schema, path)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	out := make([]*mergeRecord, 0, cur.Remaining())
	for cur.Remaining() > 0 {
		id, node, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if payload, ok := c.pending.latest[id]; ok {
			c.consumed[id] = struct{}{}
			out = append(out, &mergeRecord{id: id, payload: payload})
			continue
		}
		out = append(out, &mergeRecord{id: id, node: node})
	}
	return out, nil
}

// write shreds records into as many datafiles as maxSize requires. A file is
// closed once it reaches maxSize, so every file holds at least one record.
func (c *compaction) write(records []*mergeRecord) ([]Datafile, error) {
	if len(records) == 0 {
		return nil, nil
	}
	var (
		out []Datafile
		b   *fileBuilder
		err error
	)
	for _, rec := range records {
		if b == nil {
			if b, err = newFileBuilder(c.rs.schema, c.rs.fpr, len(records)); err != nil {
				return nil, err
			}
		}
		node := rec.node
		if node == nil {
			if node, err = msgcodec.Decode(rec.payload, c.rs.schema); err != nil {
				return nil, err
			}
		}
		if err := b.add(rec.id, node); err != nil {
			return nil, err
		}
		if c.maxSize > 0 && b.builder.EstimatedSize() >= c.maxSize {
			df, err := c.flush(b)
			if err != nil {
				return nil, err
			}
			out = append(out, df)
			b = nil
		}
	}
	if b != nil {
		df, err := c.flush(b)
		if err != nil {
			return nil, err
		}
		out = append(out, df)
	}
	return out, nil
}

func (c *compaction) flush(b *fileBuilder) (Datafile, error) {
	path := DatafilePath(c.rs.prefix, c.rs.nextGeneration())
	info, err := b.builder.Write(path)
	if err != nil {
		return Datafile{}, err
	}
	df := Datafile{Path: path, NumRecords: info.NumRecords, Checksum: info.Checksum}
	c.written = append(c.written, df)
	if err := bloom.WriteSidecar(path, b.filter); err != nil {
		return Datafile{}, err
	}
	c.filters[path] = b.filter
	c.records += info.NumRecords
	c.rs.logger.Debug("wrote datafile", zap.String("path", path), zap.Uint64("records", info.NumRecords), zap.Uint64("bytes", info.Size))
	return df, nil
}

// abort removes every file written by a failed compaction.
func (c *compaction) abort() {
	for _, df := range c.written {
		removeDatafile(c.rs.logger, df.Path)
	}
}

// swap installs the compaction result and returns the replaced datafiles no
// reader holds. The others are removed by the last reader's release.
// Segments rolled while the merge ran stay pending.
func (rs *RecordSet) swap(segments []string, datafiles, replaced []Datafile, filters map[string]*bloom.Filter) []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	n := len(segments)
	for _, ids := range rs.oldIDs[:n] {
		for id := range ids {
			if rs.pending[id]--; rs.pending[id] <= 0 {
				delete(rs.pending, id)
			}
		}
	}
	rs.oldIDs = append([]idSet(nil), rs.oldIDs[n:]...)
	rs.state.OldCommitlogs = append([]string(nil), rs.state.OldCommitlogs[n:]...)

	keep := make(map[string]bool, len(datafiles))
	for _, df := range datafiles {
		keep[df.Path] = true
	}
	for path := range rs.filters {
		if !keep[path] {
			delete(rs.filters, path)
		}
	}
	for path, f := range filters {
		rs.filters[path] = f
	}
	rs.state.Datafiles = datafiles
	rs.publishStateLocked()

	var unused []string
	for _, df := range replaced {
		if rs.readers[df.Path] > 0 {
			rs.retired[df.Path] = struct{}{}
			continue
		}
		unused = append(unused, df.Path)
	}
	return unused
}

func removeDatafile(logger *zap.Logger, path string) {
	for _, p := range []string{path, bloom.SidecarPath(path)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove datafile", zap.String("path", p), zap.Error(err))
		}
	}
}

// fileBuilder accumulates one output datafile and its id filter.
type fileBuilder struct {
	builder *cstable.Builder
	ids     cstable.ColumnWriter
	filter  *bloom.Filter
}

func newFileBuilder(schema *types.Schema, fpr float64, expected int) (*fileBuilder, error) {
	b, err := cstable.NewBuilder(schema)
	if err != nil {
		return nil, err
	}
	ids := cstable.NewUInt64Column()
	if err := b.AddColumn(IDColumn, ids); err != nil {
		return nil, err
	}
	return &fileBuilder{builder: b, ids: ids, filter: bloom.New(expected, fpr)}, nil
}

func (b *fileBuilder) add(id types.RecordID, node *types.Node) error {
	if err := b.builder.AddRecord(node); err != nil {
		return err
	}
	if err := b.ids.AddDatum(0, 0, types.UInt64Value(uint64(id))); err != nil {
		return err
	}
	b.filter.AddID(id)
	return nil
}
