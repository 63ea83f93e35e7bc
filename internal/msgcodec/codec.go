// Package msgcodec encodes record trees to and from the byte payloads stored
// in commit logs. Records use the protobuf wire format with the schema's
// field ids as field numbers, so any protobuf encoder producing messages for
// an equivalent .proto definition yields compatible payloads.
package msgcodec

import (
	"math"

	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Encode serializes a record tree against its schema.
func Encode(record *types.Node, schema *types.Schema) ([]byte, error) {
	if err := types.Validate(record, schema); err != nil {
		return nil, err
	}
	return appendMessage(nil, record, schema)
}

func appendMessage(b []byte, node *types.Node, schema *types.Schema) ([]byte, error) {
	for _, c := range node.Children {
		f, ok := schema.FieldByID(c.ID)
		if !ok {
			return nil, rserrors.SchemaMismatch("unknown field id %d", c.ID)
		}
		num := protowire.Number(f.ID)
		switch f.Type {
		case types.FieldTypeObject:
			nested, err := appendMessage(nil, c, f.Schema)
			if err != nil {
				return nil, err
			}
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendBytes(b, nested)
		case types.FieldTypeString:
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendString(b, c.Value.Str())
		case types.FieldTypeBool, types.FieldTypeUInt32, types.FieldTypeUInt64, types.FieldTypeDateTime:
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, c.Value.UInt64())
		case types.FieldTypeDouble:
			b = protowire.AppendTag(b, num, protowire.Fixed64Type)
			b = protowire.AppendFixed64(b, math.Float64bits(c.Value.Double()))
		}
	}
	return b, nil
}

// Decode parses a payload produced by Encode. Unknown field numbers and wire
// types that disagree with the schema fail with a schema mismatch; malformed
// input fails with a corrupt record error.
func Decode(data []byte, schema *types.Schema) (*types.Node, error) {
	root := types.NewRecord()
	if err := decodeMessage(data, schema, root); err != nil {
		return nil, err
	}
	if err := types.Validate(root, schema); err != nil {
		return nil, err
	}
	return root, nil
}

func decodeMessage(b []byte, schema *types.Schema, parent *types.Node) error {
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rserrors.CorruptRecord("invalid tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		f, ok := schema.FieldByID(uint32(num))
		if !ok {
			return rserrors.SchemaMismatch("unknown field number %d in schema %q", num, schema.Name)
		}
		if want := wireType(f.Type); wtyp != want {
			return rserrors.SchemaMismatch("field %q: wire type %d, want %d", f.Name, wtyp, want)
		}

		switch wtyp {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return rserrors.CorruptRecord("field %q: %v", f.Name, protowire.ParseError(n))
			}
			b = b[n:]
			if f.Type == types.FieldTypeObject {
				child := parent.AddObject(f.ID)
				if err := decodeMessage(v, f.Schema, child); err != nil {
					return err
				}
			} else {
				parent.AddString(f.ID, string(v))
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return rserrors.CorruptRecord("field %q: %v", f.Name, protowire.ParseError(n))
			}
			b = b[n:]
			switch f.Type {
			case types.FieldTypeBool:
				parent.AddBool(f.ID, v != 0)
			case types.FieldTypeUInt32:
				if v > math.MaxUint32 {
					return rserrors.SchemaMismatch("field %q: value %d overflows uint32", f.Name, v)
				}
				parent.AddUInt32(f.ID, uint32(v))
			case types.FieldTypeUInt64:
				parent.AddUInt64(f.ID, v)
			case types.FieldTypeDateTime:
				parent.AddValue(f.ID, types.DateTimeMicros(v))
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return rserrors.CorruptRecord("field %q: %v", f.Name, protowire.ParseError(n))
			}
			b = b[n:]
			parent.AddDouble(f.ID, math.Float64frombits(v))
		}
	}
	return nil
}

func wireType(t types.FieldType) protowire.Type {
	switch t {
	case types.FieldTypeObject, types.FieldTypeString:
		return protowire.BytesType
	case types.FieldTypeDouble:
		return protowire.Fixed64Type
	default:
		return protowire.VarintType
	}
}
