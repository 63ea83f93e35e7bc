package msgcodec

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"

	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/pkg/types"
)

// ReservedPrefix marks JSON keys that carry ingestion metadata (such as
// "__id") rather than record fields. FromJSON skips them.
const ReservedPrefix = "__"

// FromJSON builds a record tree from a JSON object keyed by field name.
// Repeated fields take arrays; a single scalar or object is accepted as a
// one-element repetition. Null values leave the field absent. Datetime
// fields accept RFC 3339 strings or unix microseconds.
func FromJSON(data []byte, schema *types.Schema) (*types.Node, error) {
	root := types.NewRecord()
	if err := objectFromJSON(data, schema, root, ""); err != nil {
		return nil, err
	}
	if err := types.Validate(root, schema); err != nil {
		return nil, err
	}
	return root, nil
}

func objectFromJSON(data []byte, schema *types.Schema, parent *types.Node, path string) error {
	return jsonparser.ObjectEach(data, func(key, value []byte, dt jsonparser.ValueType, _ int) error {
		name := string(key)
		if strings.HasPrefix(name, ReservedPrefix) {
			return nil
		}
		f, ok := schema.FieldByName(name)
		if !ok {
			return rserrors.SchemaMismatch("unknown field %q", path+name)
		}
		if dt == jsonparser.Null {
			return nil
		}
		if dt == jsonparser.Array {
			if !f.Repeated {
				return rserrors.SchemaMismatch("field %q is not repeated", path+name)
			}
			var inner error
			_, err := jsonparser.ArrayEach(value, func(elem []byte, edt jsonparser.ValueType, _ int, err error) {
				if inner != nil {
					return
				}
				if err != nil {
					inner = err
					return
				}
				inner = fieldFromJSON(elem, edt, f, parent, path)
			})
			if inner != nil {
				return inner
			}
			return err
		}
		return fieldFromJSON(value, dt, f, parent, path)
	})
}

func fieldFromJSON(value []byte, dt jsonparser.ValueType, f *types.Field, parent *types.Node, path string) error {
	fpath := path + f.Name
	if dt == jsonparser.Null {
		return nil
	}
	if f.Type == types.FieldTypeObject {
		if dt != jsonparser.Object {
			return rserrors.SchemaMismatch("field %q expects an object, got %s", fpath, dt)
		}
		return objectFromJSON(value, f.Schema, parent.AddObject(f.ID), fpath+".")
	}

	mismatch := func() error {
		return rserrors.SchemaMismatch("field %q expects %s, got %s %q", fpath, f.Type, dt, value)
	}
	switch f.Type {
	case types.FieldTypeBool:
		if dt != jsonparser.Boolean {
			return mismatch()
		}
		b, err := jsonparser.ParseBoolean(value)
		if err != nil {
			return mismatch()
		}
		parent.AddBool(f.ID, b)
	case types.FieldTypeUInt32:
		if dt != jsonparser.Number {
			return mismatch()
		}
		u, err := strconv.ParseUint(string(value), 10, 32)
		if err != nil {
			return mismatch()
		}
		parent.AddUInt32(f.ID, uint32(u))
	case types.FieldTypeUInt64:
		if dt != jsonparser.Number {
			return mismatch()
		}
		u, err := strconv.ParseUint(string(value), 10, 64)
		if err != nil {
			return mismatch()
		}
		parent.AddUInt64(f.ID, u)
	case types.FieldTypeString:
		if dt != jsonparser.String {
			return mismatch()
		}
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return mismatch()
		}
		parent.AddString(f.ID, s)
	case types.FieldTypeDouble:
		if dt != jsonparser.Number {
			return mismatch()
		}
		v, err := jsonparser.ParseFloat(value)
		if err != nil {
			return mismatch()
		}
		parent.AddDouble(f.ID, v)
	case types.FieldTypeDateTime:
		switch dt {
		case jsonparser.Number:
			u, err := strconv.ParseUint(string(value), 10, 64)
			if err != nil {
				return mismatch()
			}
			parent.AddValue(f.ID, types.DateTimeMicros(u))
		case jsonparser.String:
			s, err := jsonparser.ParseString(value)
			if err != nil {
				return mismatch()
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return mismatch()
			}
			parent.AddTime(f.ID, t)
		default:
			return mismatch()
		}
	default:
		return mismatch()
	}
	return nil
}

// ToJSON renders a record tree as a JSON object in schema field order.
// Repeated fields render as arrays, absent fields are omitted.
func ToJSON(record *types.Node, schema *types.Schema) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeObjectJSON(&buf, record, schema); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeObjectJSON(buf *bytes.Buffer, node *types.Node, schema *types.Schema) error {
	buf.WriteByte('{')
	first := true
	for i := range schema.Fields {
		f := &schema.Fields[i]
		children := node.ChildrenByID(f.ID)
		if len(children) == 0 && !f.Repeated {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeString(buf, f.Name)
		buf.WriteByte(':')

		if f.Repeated {
			buf.WriteByte('[')
		}
		for j, c := range children {
			if j > 0 {
				buf.WriteByte(',')
			}
			if f.Type == types.FieldTypeObject {
				if err := writeObjectJSON(buf, c, f.Schema); err != nil {
					return err
				}
				continue
			}
			if err := writeValueJSON(buf, c.Value); err != nil {
				return err
			}
		}
		if f.Repeated {
			buf.WriteByte(']')
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeValueJSON(buf *bytes.Buffer, v types.Value) error {
	switch v.Type() {
	case types.FieldTypeBool:
		buf.WriteString(strconv.FormatBool(v.Bool()))
	case types.FieldTypeUInt32, types.FieldTypeUInt64:
		buf.WriteString(strconv.FormatUint(v.UInt64(), 10))
	case types.FieldTypeString:
		writeString(buf, v.Str())
	case types.FieldTypeDouble:
		d := v.Double()
		if math.IsNaN(d) || math.IsInf(d, 0) {
			buf.WriteString("null")
			return nil
		}
		buf.WriteString(strconv.FormatFloat(d, 'g', -1, 64))
	case types.FieldTypeDateTime:
		writeString(buf, v.Time().Format(time.RFC3339Nano))
	default:
		return rserrors.SchemaMismatch("cannot render value of type %s", v.Type())
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
