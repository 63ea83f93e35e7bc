package cstable

import (
	"strings"

	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/pkg/types"
)

// Column is a named column ready to be written.
type Column struct {
	Name   string
	Writer ColumnWriter
}

// Builder shreds record trees into one column stream per leaf field.
type Builder struct {
	schema     *types.Schema
	columns    []Column
	byPath     map[string]ColumnWriter
	numRecords uint64
}

// NewBuilder creates a builder with one column writer per leaf of schema,
// named by the leaf's dotted field path.
func NewBuilder(schema *types.Schema) (*Builder, error) {
	b := &Builder{
		schema: schema,
		byPath: make(map[string]ColumnWriter),
	}
	for _, c := range schema.Columns() {
		w, err := NewColumnWriter(c.Type, c.MaxRepetitionLevel, c.MaxDefinitionLevel)
		if err != nil {
			return nil, err
		}
		b.columns = append(b.columns, Column{Name: c.Path, Writer: w})
		b.byPath[c.Path] = w
	}
	return b, nil
}

// AddColumn registers an extra column, such as a record id column, that the
// caller fills itself. It is written after the schema's leaf columns.
func (b *Builder) AddColumn(name string, w ColumnWriter) error {
	if _, dup := b.byPath[name]; dup {
		return rserrors.InvalidSchema("column %q already exists", name)
	}
	b.columns = append(b.columns, Column{Name: name, Writer: w})
	b.byPath[name] = w
	return nil
}

// AddRecord shreds one record. The record is validated first, so a record
// that does not match the schema leaves every column untouched.
func (b *Builder) AddRecord(record *types.Node) error {
	if err := types.Validate(record, b.schema); err != nil {
		return err
	}
	if err := b.shredObject(record, b.schema, "", 0, 0, 0); err != nil {
		return err
	}
	b.numRecords++
	return nil
}

// shredObject emits triples for every field of schema under node. r is the
// repetition level to use for the first value emitted beneath node, rmax and
// d are the repetition depth and definition level reached at node.
func (b *Builder) shredObject(node *types.Node, schema *types.Schema, prefix string, r, rmax, d uint8) error {
	for i := range schema.Fields {
		f := &schema.Fields[i]
		path := prefix + f.Name

		frmax, fd := rmax, d
		if f.Repeated {
			frmax++
		}
		if f.Repeated || f.Optional {
			fd++
		}

		occurrences := node.ChildrenByID(f.ID)
		if len(occurrences) == 0 {
			b.shredNull(f, path, r, d)
			continue
		}

		for j, c := range occurrences {
			cr := r
			if j > 0 {
				cr = frmax
			}
			if f.Type == types.FieldTypeObject {
				if err := b.shredObject(c, f.Schema, path+".", cr, frmax, fd); err != nil {
					return err
				}
				continue
			}
			if err := b.byPath[path].AddDatum(cr, fd, c.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

// shredNull records an absent field: one null at (r, d) for every leaf
// beneath it.
func (b *Builder) shredNull(f *types.Field, path string, r, d uint8) {
	if f.Type != types.FieldTypeObject {
		b.byPath[path].AddNull(r, d)
		return
	}
	for i := range f.Schema.Fields {
		child := &f.Schema.Fields[i]
		b.shredNull(child, path+"."+child.Name, r, d)
	}
}

// NumRecords returns the number of records added so far.
func (b *Builder) NumRecords() uint64 {
	return b.numRecords
}

// Columns returns the builder's columns in file order.
func (b *Builder) Columns() []Column {
	return b.columns
}

// EstimatedSize returns the exact size in bytes of the file Write would
// produce for the records added so far.
func (b *Builder) EstimatedSize() uint64 {
	size := headerSize(b.columns)
	for _, c := range b.columns {
		size += c.Writer.BodySize()
	}
	return size
}

// Write serializes all columns to path.
func (b *Builder) Write(path string) (*FileInfo, error) {
	return WriteFile(path, b.numRecords, b.columns)
}

// ColumnPath joins field names into a column name.
func ColumnPath(names ...string) string {
	return strings.Join(names, ".")
}
