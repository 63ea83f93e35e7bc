// Package cstable implements the nested columnar file format: shredding
// record trees into per-leaf column streams of (repetition level, definition
// level, value) triples, serializing those streams into an immutable file,
// and materializing record trees back from a memory-mapped file.
package cstable

import (
	"encoding/binary"
	"io"
	"math"

	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/pkg/types"
)

// columnHeaderSize is the fixed prefix of every column body:
// encoding u8, rmax u8, dmax u8, num_values u64.
const columnHeaderSize = 3 + 8

// Triple is one entry of a column stream. Value is only valid when the
// definition level equals the column's maximum definition level.
type Triple struct {
	R     uint8
	D     uint8
	Value types.Value
}

// Defined reports whether the triple carries a value.
func (t Triple) Defined() bool {
	return t.Value.IsValid()
}

// ColumnWriter buffers one leaf column in memory until the file writer
// serializes it.
type ColumnWriter interface {
	// AddDatum appends a present value. d must equal the max definition level.
	AddDatum(r, d uint8, v types.Value) error

	// AddNull appends an absent entry at definition level d.
	AddNull(r, d uint8)

	Type() types.FieldType
	MaxRepetitionLevel() uint8
	MaxDefinitionLevel() uint8
	NumValues() uint64

	// BodySize is the exact number of bytes WriteTo will produce.
	BodySize() uint64

	WriteTo(w io.Writer) (int64, error)
}

// ColumnReader is a forward cursor over an encoded column body.
type ColumnReader interface {
	Next() (Triple, error)
	Peek() (Triple, error)
	EOF() bool
	Type() types.FieldType
	MaxRepetitionLevel() uint8
	MaxDefinitionLevel() uint8
	NumValues() uint64
}

// valueCodec is the per-type value encoding. One implementation exists for
// each scalar field type.
type valueCodec interface {
	typ() types.FieldType
	append(b []byte, v types.Value) []byte
	// decode returns the value and the number of bytes consumed, or n <= 0 on
	// short input.
	decode(b []byte) (types.Value, int)
}

type boolCodec struct{}

func (boolCodec) typ() types.FieldType { return types.FieldTypeBool }

func (boolCodec) append(b []byte, v types.Value) []byte {
	if v.Bool() {
		return append(b, 1)
	}
	return append(b, 0)
}

func (boolCodec) decode(b []byte) (types.Value, int) {
	if len(b) < 1 {
		return types.Value{}, 0
	}
	return types.BoolValue(b[0] != 0), 1
}

type uint32Codec struct{}

func (uint32Codec) typ() types.FieldType { return types.FieldTypeUInt32 }

func (uint32Codec) append(b []byte, v types.Value) []byte {
	return binary.LittleEndian.AppendUint32(b, v.UInt32())
}

func (uint32Codec) decode(b []byte) (types.Value, int) {
	if len(b) < 4 {
		return types.Value{}, 0
	}
	return types.UInt32Value(binary.LittleEndian.Uint32(b)), 4
}

type uint64Codec struct{}

func (uint64Codec) typ() types.FieldType { return types.FieldTypeUInt64 }

func (uint64Codec) append(b []byte, v types.Value) []byte {
	return binary.LittleEndian.AppendUint64(b, v.UInt64())
}

func (uint64Codec) decode(b []byte) (types.Value, int) {
	if len(b) < 8 {
		return types.Value{}, 0
	}
	return types.UInt64Value(binary.LittleEndian.Uint64(b)), 8
}

type stringCodec struct{}

func (stringCodec) typ() types.FieldType { return types.FieldTypeString }

func (stringCodec) append(b []byte, v types.Value) []byte {
	s := v.Str()
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func (stringCodec) decode(b []byte) (types.Value, int) {
	l, n := binary.Uvarint(b)
	if n <= 0 || l > uint64(len(b)-n) {
		return types.Value{}, 0
	}
	end := n + int(l)
	return types.StringValue(string(b[n:end])), end
}

type doubleCodec struct{}

func (doubleCodec) typ() types.FieldType { return types.FieldTypeDouble }

func (doubleCodec) append(b []byte, v types.Value) []byte {
	return binary.LittleEndian.AppendUint64(b, math.Float64bits(v.Double()))
}

func (doubleCodec) decode(b []byte) (types.Value, int) {
	if len(b) < 8 {
		return types.Value{}, 0
	}
	return types.DoubleValue(math.Float64frombits(binary.LittleEndian.Uint64(b))), 8
}

type datetimeCodec struct{}

func (datetimeCodec) typ() types.FieldType { return types.FieldTypeDateTime }

func (datetimeCodec) append(b []byte, v types.Value) []byte {
	return binary.AppendUvarint(b, v.Micros())
}

func (datetimeCodec) decode(b []byte) (types.Value, int) {
	u, n := binary.Uvarint(b)
	if n <= 0 {
		return types.Value{}, 0
	}
	return types.DateTimeMicros(u), n
}

func codecFor(t types.FieldType) (valueCodec, bool) {
	switch t {
	case types.FieldTypeBool:
		return boolCodec{}, true
	case types.FieldTypeUInt32:
		return uint32Codec{}, true
	case types.FieldTypeUInt64:
		return uint64Codec{}, true
	case types.FieldTypeString:
		return stringCodec{}, true
	case types.FieldTypeDouble:
		return doubleCodec{}, true
	case types.FieldTypeDateTime:
		return datetimeCodec{}, true
	default:
		return nil, false
	}
}

type columnWriter struct {
	codec   valueCodec
	rmax    uint8
	dmax    uint8
	n       uint64
	rlevels []byte
	dlevels []byte
	values  []byte
}

// NewColumnWriter creates a buffered writer for a leaf column of the given
// type and maximum levels.
func NewColumnWriter(t types.FieldType, rmax, dmax uint8) (ColumnWriter, error) {
	codec, ok := codecFor(t)
	if !ok {
		return nil, rserrors.InvalidSchema("no column encoding for type %s", t)
	}
	return &columnWriter{codec: codec, rmax: rmax, dmax: dmax}, nil
}

func (w *columnWriter) AddDatum(r, d uint8, v types.Value) error {
	if v.Type() != w.codec.typ() {
		return rserrors.SchemaMismatch("%s column cannot hold a %s value", w.codec.typ(), v.Type())
	}
	if d != w.dmax {
		return rserrors.NewInternalError("value written below max definition level", nil)
	}
	w.levels(r, d)
	w.values = w.codec.append(w.values, v)
	return nil
}

func (w *columnWriter) AddNull(r, d uint8) {
	w.levels(r, d)
}

func (w *columnWriter) levels(r, d uint8) {
	if w.rmax > 0 {
		w.rlevels = append(w.rlevels, r)
	}
	if w.dmax > 0 {
		w.dlevels = append(w.dlevels, d)
	}
	w.n++
}

func (w *columnWriter) Type() types.FieldType     { return w.codec.typ() }
func (w *columnWriter) MaxRepetitionLevel() uint8 { return w.rmax }
func (w *columnWriter) MaxDefinitionLevel() uint8 { return w.dmax }
func (w *columnWriter) NumValues() uint64         { return w.n }

func (w *columnWriter) BodySize() uint64 {
	return columnHeaderSize + uint64(len(w.rlevels)+len(w.dlevels)+len(w.values))
}

func (w *columnWriter) WriteTo(out io.Writer) (int64, error) {
	var hdr [columnHeaderSize]byte
	hdr[0] = uint8(w.codec.typ())
	hdr[1] = w.rmax
	hdr[2] = w.dmax
	binary.LittleEndian.PutUint64(hdr[3:], w.n)

	var total int64
	for _, b := range [][]byte{hdr[:], w.rlevels, w.dlevels, w.values} {
		n, err := out.Write(b)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// NewUInt64Column returns a column holding one required uint64 per record,
// for system columns such as record ids.
func NewUInt64Column() ColumnWriter {
	return &columnWriter{codec: uint64Codec{}}
}

type columnReader struct {
	name    string
	codec   valueCodec
	rmax    uint8
	dmax    uint8
	n       uint64
	pos     uint64
	rlevels []byte
	dlevels []byte
	values  []byte

	peeked  bool
	pending Triple
}

// newColumnReader parses a column body. The returned reader borrows body.
func newColumnReader(name string, body []byte) (*columnReader, error) {
	if len(body) < columnHeaderSize {
		return nil, rserrors.CorruptFile(name, "column %q body shorter than its header", name)
	}
	codec, ok := codecFor(types.FieldType(body[0]))
	if !ok {
		return nil, rserrors.CorruptFile(name, "column %q has unknown encoding %d", name, body[0])
	}
	r := &columnReader{
		name:  name,
		codec: codec,
		rmax:  body[1],
		dmax:  body[2],
		n:     binary.LittleEndian.Uint64(body[3:]),
	}
	rest := body[columnHeaderSize:]
	if r.rmax > 0 {
		if r.n > uint64(len(rest)) {
			return nil, rserrors.CorruptFile(name, "column %q repetition levels truncated", name)
		}
		r.rlevels, rest = rest[:r.n], rest[r.n:]
	}
	if r.dmax > 0 {
		if r.n > uint64(len(rest)) {
			return nil, rserrors.CorruptFile(name, "column %q definition levels truncated", name)
		}
		r.dlevels, rest = rest[:r.n], rest[r.n:]
	}
	r.values = rest
	return r, nil
}

func (r *columnReader) Type() types.FieldType     { return r.codec.typ() }
func (r *columnReader) MaxRepetitionLevel() uint8 { return r.rmax }
func (r *columnReader) MaxDefinitionLevel() uint8 { return r.dmax }
func (r *columnReader) NumValues() uint64         { return r.n }

// EOF reports whether every triple has been consumed.
func (r *columnReader) EOF() bool {
	return !r.peeked && r.pos >= r.n
}

// Peek returns the next triple without consuming it.
func (r *columnReader) Peek() (Triple, error) {
	if r.peeked {
		return r.pending, nil
	}
	t, err := r.decode()
	if err != nil {
		return Triple{}, err
	}
	r.pending, r.peeked = t, true
	return t, nil
}

func (r *columnReader) Next() (Triple, error) {
	if r.peeked {
		r.peeked = false
		return r.pending, nil
	}
	return r.decode()
}

func (r *columnReader) decode() (Triple, error) {
	if r.pos >= r.n {
		return Triple{}, rserrors.UnexpectedEndOfColumn(r.name)
	}
	var t Triple
	if r.rmax > 0 {
		t.R = r.rlevels[r.pos]
	}
	if r.dmax > 0 {
		t.D = r.dlevels[r.pos]
	}
	if t.R > r.rmax || t.D > r.dmax {
		return Triple{}, rserrors.CorruptFile(r.name, "column %q entry %d has levels (%d,%d) above max (%d,%d)",
			r.name, r.pos, t.R, t.D, r.rmax, r.dmax)
	}
	r.pos++
	if t.D == r.dmax {
		v, n := r.codec.decode(r.values)
		if n <= 0 {
			return Triple{}, rserrors.CorruptFile(r.name, "column %q value %d truncated", r.name, r.pos-1)
		}
		t.Value = v
		r.values = r.values[n:]
	}
	return t, nil
}
