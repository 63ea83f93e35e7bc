package cstable

import (
	"io"

	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/pkg/types"
)

// pathLevel is one field along a leaf column's schema path.
type pathLevel struct {
	id       uint32
	repeated bool
	// rep is the repetition depth at this field (number of repeated fields
	// from the root through it)
	rep uint8
	// def is the definition level at which this field is present
	def uint8
}

type leafColumn struct {
	name   string
	typ    types.FieldType
	levels []pathLevel
	reader ColumnReader
	// pos holds, per path level, the occurrence index of the node the last
	// triple was written under
	pos []int
}

// Materializer reassembles record trees from the leaf columns of a file.
// Children of every object come out grouped per field in schema order.
type Materializer struct {
	columns   []*leafColumn
	remaining uint64
}

// NewMaterializer creates a materializer for records of schema stored in r.
// When names is non-empty only those leaf columns are read; fields without a
// selected column are left absent. Schema leaves missing from the file are
// skipped.
func NewMaterializer(schema *types.Schema, r *Reader, names ...string) (*Materializer, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	m := &Materializer{remaining: r.NumRecords()}
	for i := range schema.Fields {
		if err := m.collect(r, &schema.Fields[i], "", nil, 0, 0, want); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Materializer) collect(r *Reader, f *types.Field, prefix string, levels []pathLevel, rep, def uint8, want map[string]bool) error {
	if f.Repeated {
		rep++
	}
	if f.Repeated || f.Optional {
		def++
	}
	levels = append(levels[:len(levels):len(levels)], pathLevel{id: f.ID, repeated: f.Repeated, rep: rep, def: def})
	path := prefix + f.Name

	if f.Type == types.FieldTypeObject {
		for i := range f.Schema.Fields {
			if err := m.collect(r, &f.Schema.Fields[i], path+".", levels, rep, def, want); err != nil {
				return err
			}
		}
		return nil
	}

	if len(want) > 0 && !want[path] {
		return nil
	}
	if !r.HasColumn(path) {
		return nil
	}
	cr, err := r.ColumnReader(path)
	if err != nil {
		return err
	}
	if cr.Type() != f.Type || cr.MaxRepetitionLevel() != rep || cr.MaxDefinitionLevel() != def {
		return rserrors.SchemaMismatch("column %q is %s with levels (%d,%d), schema expects %s with (%d,%d)",
			path, cr.Type(), cr.MaxRepetitionLevel(), cr.MaxDefinitionLevel(), f.Type, rep, def)
	}
	m.columns = append(m.columns, &leafColumn{
		name:   path,
		typ:    f.Type,
		levels: levels,
		reader: cr,
		pos:    make([]int, len(levels)),
	})
	return nil
}

// Remaining returns the number of records not yet read or skipped.
func (m *Materializer) Remaining() uint64 {
	return m.remaining
}

// NextRecord materializes the next record. It returns io.EOF once every
// record has been consumed. On error no record is returned.
func (m *Materializer) NextRecord() (*types.Node, error) {
	if m.remaining == 0 {
		return nil, io.EOF
	}
	root := types.NewRecord()
	for _, c := range m.columns {
		if err := c.consume(root); err != nil {
			return nil, err
		}
	}
	m.remaining--
	return root, nil
}

// SkipRecord advances every column past the next record without building it.
func (m *Materializer) SkipRecord() error {
	if m.remaining == 0 {
		return io.EOF
	}
	for _, c := range m.columns {
		if err := c.consume(nil); err != nil {
			return err
		}
	}
	m.remaining--
	return nil
}

// consume reads every triple of the current record from the column and, if
// root is non-nil, writes them into the tree. A column's record ends when
// the next triple has repetition level 0; that triple stays buffered.
func (c *leafColumn) consume(root *types.Node) error {
	t, err := c.reader.Next()
	if err != nil {
		return err
	}
	if t.R != 0 {
		return rserrors.CorruptFile(c.name, "column %q: record starts at repetition level %d", c.name, t.R)
	}
	for {
		if root != nil {
			if err := c.apply(root, t); err != nil {
				return err
			}
		}
		if c.reader.EOF() {
			return nil
		}
		next, err := c.reader.Peek()
		if err != nil {
			return err
		}
		if next.R == 0 {
			return nil
		}
		if t, err = c.reader.Next(); err != nil {
			return err
		}
	}
}

func (c *leafColumn) apply(root *types.Node, t Triple) error {
	// a triple at repetition level r opens a new occurrence of the repeated
	// field at depth r and restarts every level below it
	start := 0
	if t.R > 0 {
		start = -1
		for k, l := range c.levels {
			if l.repeated && l.rep == t.R {
				start = k
				break
			}
		}
		if start < 0 {
			return rserrors.CorruptFile(c.name, "column %q: no repeated field at level %d", c.name, t.R)
		}
		c.pos[start]++
		start++
	}
	for k := start; k < len(c.pos); k++ {
		c.pos[k] = 0
	}

	node := root
	for k, l := range c.levels {
		if t.D < l.def {
			return nil
		}
		leaf := k == len(c.levels)-1
		child, err := c.occurrence(node, l.id, c.pos[k], leaf)
		if err != nil {
			return err
		}
		if leaf {
			if !t.Defined() {
				return rserrors.CorruptFile(c.name, "column %q: defined entry without a value", c.name)
			}
			child.Value = t.Value
			return nil
		}
		node = child
	}
	return nil
}

// occurrence returns the idx-th child of parent with the given id, appending
// it when idx is one past the existing occurrences.
func (c *leafColumn) occurrence(parent *types.Node, id uint32, idx int, leaf bool) (*types.Node, error) {
	seen := 0
	for _, ch := range parent.Children {
		if ch.ID != id {
			continue
		}
		if seen == idx {
			if leaf {
				return nil, rserrors.CorruptFile(c.name, "column %q: value %d of field %d written twice", c.name, idx, id)
			}
			return ch, nil
		}
		seen++
	}
	if seen != idx {
		return nil, rserrors.CorruptFile(c.name, "column %q: occurrence %d of field %d out of order", c.name, idx, id)
	}
	return parent.AddObject(id), nil
}
