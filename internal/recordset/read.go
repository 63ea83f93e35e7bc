package recordset

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/arkilian/recordstore/internal/cstable"
	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/pkg/types"
)

// cursor walks the records of one datafile together with their ids.
type cursor struct {
	reader *cstable.Reader
	mat    *cstable.Materializer
	ids    cstable.ColumnReader
}

func openCursor(schema *types.Schema, path string) (*cursor, error) {
	r, err := cstable.Open(path)
	if err != nil {
		return nil, err
	}
	ids, err := idColumn(r)
	if err != nil {
		r.Close()
		return nil, err
	}
	mat, err := cstable.NewMaterializer(schema, r)
	if err != nil {
		r.Close()
		return nil, err
	}
	return &cursor{reader: r, mat: mat, ids: ids}, nil
}

func idColumn(r *cstable.Reader) (cstable.ColumnReader, error) {
	if !r.HasColumn(IDColumn) {
		return nil, rserrors.CorruptFile(r.Path(), "datafile %s has no %s column", r.Path(), IDColumn)
	}
	ids, err := r.ColumnReader(IDColumn)
	if err != nil {
		return nil, err
	}
	if ids.Type() != types.FieldTypeUInt64 || ids.MaxRepetitionLevel() != 0 || ids.MaxDefinitionLevel() != 0 {
		return nil, rserrors.CorruptFile(r.Path(), "datafile %s has a malformed %s column", r.Path(), IDColumn)
	}
	return ids, nil
}

func readID(ids cstable.ColumnReader) (types.RecordID, error) {
	t, err := ids.Next()
	if err != nil {
		return 0, err
	}
	return types.RecordID(t.Value.UInt64()), nil
}

func (c *cursor) Remaining() uint64 {
	return c.mat.Remaining()
}

// Next returns the next record and its id.
func (c *cursor) Next() (types.RecordID, *types.Node, error) {
	id, err := readID(c.ids)
	if err != nil {
		return 0, nil, err
	}
	node, err := c.mat.NextRecord()
	if err != nil {
		return 0, nil, err
	}
	return id, node, nil
}

// Skip advances past n records.
func (c *cursor) Skip(n uint64) error {
	for i := uint64(0); i < n; i++ {
		if _, err := c.ids.Next(); err != nil {
			return err
		}
		if err := c.mat.SkipRecord(); err != nil {
			return err
		}
	}
	return nil
}

func (c *cursor) Close() error {
	return c.reader.Close()
}

// readIDs returns the ids of a datafile in record order.
func readIDs(path string) ([]types.RecordID, error) {
	r, err := cstable.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	col, err := idColumn(r)
	if err != nil {
		return nil, err
	}
	if col.NumValues() != r.NumRecords() {
		return nil, rserrors.CorruptFile(path, "datafile %s holds %d ids for %d records", path, col.NumValues(), r.NumRecords())
	}
	ids := make([]types.RecordID, 0, r.NumRecords())
	for !col.EOF() {
		id, err := readID(col)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ListRecords returns the ids of every compacted record in logical order.
// Records still in commit log segments are not included.
func (rs *RecordSet) ListRecords() ([]types.RecordID, error) {
	datafiles := rs.acquire()
	defer rs.release(datafiles)

	parts := make([][]types.RecordID, len(datafiles))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, df := range datafiles {
		i, df := i, df
		g.Go(func() error {
			ids, err := readIDs(df.Path)
			if err != nil {
				return err
			}
			parts[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, p := range parts {
		total += len(p)
	}
	ids := make([]types.RecordID, 0, total)
	for _, p := range parts {
		ids = append(ids, p...)
	}
	return ids, nil
}

// FetchRecord materializes the compacted record with the given id. Datafiles
// whose id filter excludes it are not opened.
func (rs *RecordSet) FetchRecord(id types.RecordID) (*types.Node, error) {
	datafiles := rs.acquire()
	defer rs.release(datafiles)

	for _, df := range datafiles {
		if f := rs.filter(df.Path); f != nil && !f.MayContainID(id) {
			continue
		}
		node, found, err := rs.fetchFrom(df.Path, id)
		if err != nil {
			return nil, err
		}
		if found {
			rs.metrics.Fetched(rs.name, true)
			return node, nil
		}
	}
	rs.metrics.Fetched(rs.name, false)
	return nil, rserrors.NotFound("record %s not found in %s", id, rs.name)
}

func (rs *RecordSet) fetchFrom(path string, id types.RecordID) (*types.Node, bool, error) {
	ids, err := readIDs(path)
	if err != nil {
		return nil, false, err
	}
	idx := -1
	for i, got := range ids {
		if got == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false, nil
	}

	cur, err := openCursor(rs.schema, path)
	if err != nil {
		return nil, false, err
	}
	defer cur.Close()
	if err := cur.Skip(uint64(idx)); err != nil {
		return nil, false, err
	}
	_, node, err := cur.Next()
	if err != nil {
		return nil, false, err
	}
	return node, true, nil
}

// FetchRecords calls fn for up to limit compacted records starting at
// position offset of the logical sequence. A limit of zero means no limit.
// An error returned by fn stops the scan and is returned.
func (rs *RecordSet) FetchRecords(offset, limit uint64, fn func(types.RecordID, *types.Node) error) error {
	datafiles := rs.acquire()
	defer rs.release(datafiles)

	remaining := limit
	for _, df := range datafiles {
		end := df.Offset + df.NumRecords
		if end <= offset || df.NumRecords == 0 {
			continue
		}
		if err := rs.scan(df, offset, &remaining, limit == 0, fn); err != nil {
			return err
		}
		if limit != 0 && remaining == 0 {
			return nil
		}
	}
	return nil
}

func (rs *RecordSet) scan(df Datafile, offset uint64, remaining *uint64, unlimited bool, fn func(types.RecordID, *types.Node) error) error {
	cur, err := openCursor(rs.schema, df.Path)
	if err != nil {
		return err
	}
	defer cur.Close()

	if offset > df.Offset {
		if err := cur.Skip(offset - df.Offset); err != nil {
			return err
		}
	}
	for cur.Remaining() > 0 && (unlimited || *remaining > 0) {
		id, node, err := cur.Next()
		if err != nil {
			return err
		}
		if err := fn(id, node); err != nil {
			return err
		}
		if !unlimited {
			*remaining--
		}
	}
	return nil
}

// Verify checks every datafile against the checksum recorded in the state.
func (rs *RecordSet) Verify() error {
	datafiles := rs.acquire()
	defer rs.release(datafiles)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, df := range datafiles {
		df := df
		g.Go(func() error {
			r, err := cstable.Open(df.Path)
			if err != nil {
				return err
			}
			defer r.Close()
			if r.NumRecords() != df.NumRecords {
				return rserrors.CorruptFile(df.Path, "datafile %s holds %d records, state says %d", df.Path, r.NumRecords(), df.NumRecords)
			}
			return r.VerifyChecksum(df.Checksum)
		})
	}
	return g.Wait()
}
