package types

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	rserrors "github.com/arkilian/recordstore/internal/errors"
)

// Value is a scalar leaf value. The zero Value is invalid.
type Value struct {
	typ FieldType
	num uint64
	str string
}

func BoolValue(b bool) Value {
	v := Value{typ: FieldTypeBool}
	if b {
		v.num = 1
	}
	return v
}

func UInt32Value(u uint32) Value  { return Value{typ: FieldTypeUInt32, num: uint64(u)} }
func UInt64Value(u uint64) Value  { return Value{typ: FieldTypeUInt64, num: u} }
func StringValue(s string) Value  { return Value{typ: FieldTypeString, str: s} }
func DoubleValue(f float64) Value { return Value{typ: FieldTypeDouble, num: math.Float64bits(f)} }
func DateTimeValue(t time.Time) Value {
	return Value{typ: FieldTypeDateTime, num: uint64(t.UnixMicro())}
}

// DateTimeMicros builds a datetime value from unix microseconds.
func DateTimeMicros(us uint64) Value { return Value{typ: FieldTypeDateTime, num: us} }

func (v Value) Type() FieldType { return v.typ }
func (v Value) IsValid() bool   { return v.typ != 0 && v.typ != FieldTypeObject }
func (v Value) Bool() bool      { return v.num != 0 }
func (v Value) UInt32() uint32  { return uint32(v.num) }
func (v Value) UInt64() uint64  { return v.num }
func (v Value) Str() string     { return v.str }
func (v Value) Double() float64 { return math.Float64frombits(v.num) }
func (v Value) Micros() uint64  { return v.num }

// Time returns a datetime value as UTC time.
func (v Value) Time() time.Time {
	return time.UnixMicro(int64(v.num)).UTC()
}

// Equal compares type and payload. Doubles compare by bit pattern so NaN
// round-trips are equal.
func (v Value) Equal(o Value) bool {
	return v.typ == o.typ && v.num == o.num && v.str == o.str
}

func (v Value) String() string {
	switch v.typ {
	case FieldTypeBool:
		return fmt.Sprintf("%t", v.Bool())
	case FieldTypeUInt32, FieldTypeUInt64:
		return fmt.Sprintf("%d", v.num)
	case FieldTypeString:
		return fmt.Sprintf("%q", v.str)
	case FieldTypeDouble:
		return fmt.Sprintf("%g", v.Double())
	case FieldTypeDateTime:
		return v.Time().Format(time.RFC3339Nano)
	default:
		return "<invalid>"
	}
}

// Node is one node of a record tree. Object nodes hold an ordered list of
// children; repetition is expressed by several children sharing an id, and
// an absent optional field by its id not appearing at all. Leaf nodes hold a
// scalar Value.
type Node struct {
	ID       uint32
	Value    Value
	Children []*Node
}

// NewRecord returns an empty root node.
func NewRecord() *Node {
	return &Node{}
}

// IsObject reports whether the node is an object (not a scalar leaf).
func (n *Node) IsObject() bool {
	return !n.Value.IsValid()
}

// AddObject appends an empty object child and returns it.
func (n *Node) AddObject(id uint32) *Node {
	child := &Node{ID: id}
	n.Children = append(n.Children, child)
	return child
}

// AddValue appends a scalar child.
func (n *Node) AddValue(id uint32, v Value) *Node {
	child := &Node{ID: id, Value: v}
	n.Children = append(n.Children, child)
	return child
}

func (n *Node) AddString(id uint32, s string) *Node  { return n.AddValue(id, StringValue(s)) }
func (n *Node) AddBool(id uint32, b bool) *Node      { return n.AddValue(id, BoolValue(b)) }
func (n *Node) AddUInt32(id uint32, u uint32) *Node  { return n.AddValue(id, UInt32Value(u)) }
func (n *Node) AddUInt64(id uint32, u uint64) *Node  { return n.AddValue(id, UInt64Value(u)) }
func (n *Node) AddDouble(id uint32, f float64) *Node { return n.AddValue(id, DoubleValue(f)) }
func (n *Node) AddTime(id uint32, t time.Time) *Node { return n.AddValue(id, DateTimeValue(t)) }

// ChildrenByID returns all children carrying the given field id, in order.
func (n *Node) ChildrenByID(id uint32) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.ID == id {
			out = append(out, c)
		}
	}
	return out
}

// Child returns the first child with the given id.
func (n *Node) Child(id uint32) (*Node, bool) {
	for _, c := range n.Children {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// Equal compares two trees structurally, including child order.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.ID != o.ID || !n.Value.Equal(o.Value) || len(n.Children) != len(o.Children) {
		return false
	}
	for i := range n.Children {
		if !n.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	cp := &Node{ID: n.ID, Value: n.Value}
	if n.Children != nil {
		cp.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			cp.Children[i] = c.Clone()
		}
	}
	return cp
}

// String renders the tree in a compact debug form.
func (n *Node) String() string {
	var b strings.Builder
	n.format(&b)
	return b.String()
}

func (n *Node) format(b *strings.Builder) {
	if !n.IsObject() {
		fmt.Fprintf(b, "%d:%s", n.ID, n.Value)
		return
	}
	fmt.Fprintf(b, "%d:{", n.ID)
	for i, c := range n.Children {
		if i > 0 {
			b.WriteString(" ")
		}
		c.format(b)
	}
	b.WriteString("}")
}

// Canonicalize returns a copy of the record whose children are grouped by
// field in schema order, preserving the relative order of repeated
// occurrences. Trees that differ only in how sibling fields interleave have
// equal canonical forms.
func Canonicalize(n *Node, schema *Schema) *Node {
	rank := make(map[uint32]int, len(schema.Fields))
	for i, f := range schema.Fields {
		rank[f.ID] = i
	}
	cp := &Node{ID: n.ID, Value: n.Value}
	if len(n.Children) == 0 {
		return cp
	}
	cp.Children = make([]*Node, len(n.Children))
	for i, c := range n.Children {
		f, ok := schema.FieldByID(c.ID)
		if ok && f.Type == FieldTypeObject {
			cp.Children[i] = Canonicalize(c, f.Schema)
		} else {
			cp.Children[i] = c.Clone()
		}
	}
	sort.SliceStable(cp.Children, func(i, j int) bool {
		return rank[cp.Children[i].ID] < rank[cp.Children[j].ID]
	})
	return cp
}

// Validate checks that every node of the record is declared by the schema
// with a matching kind and value type, and that required fields are present
// and non-repeated fields occur at most once.
func Validate(n *Node, schema *Schema) error {
	return validate(n, schema, "")
}

func validate(n *Node, schema *Schema, path string) error {
	counts := make(map[uint32]int, len(schema.Fields))
	for _, c := range n.Children {
		f, ok := schema.FieldByID(c.ID)
		if !ok {
			return rserrors.SchemaMismatch("unknown field id %d under %q", c.ID, pathOrRoot(path))
		}
		counts[c.ID]++
		fpath := path + f.Name
		if f.Type == FieldTypeObject {
			if !c.IsObject() {
				return rserrors.SchemaMismatch("field %q is an object but got a scalar", fpath)
			}
			if err := validate(c, f.Schema, fpath+"."); err != nil {
				return err
			}
			continue
		}
		if c.IsObject() {
			return rserrors.SchemaMismatch("field %q is a %s but got an object", fpath, f.Type)
		}
		if c.Value.Type() != f.Type {
			return rserrors.SchemaMismatch("field %q is a %s but got a %s", fpath, f.Type, c.Value.Type())
		}
	}
	for i := range schema.Fields {
		f := &schema.Fields[i]
		n := counts[f.ID]
		if n == 0 && !f.Optional && !f.Repeated {
			return rserrors.SchemaMismatch("missing required field %q", path+f.Name)
		}
		if n > 1 && !f.Repeated {
			return rserrors.SchemaMismatch("field %q is not repeated but occurs %d times", path+f.Name, n)
		}
	}
	return nil
}

func pathOrRoot(path string) string {
	if path == "" {
		return "<root>"
	}
	return strings.TrimSuffix(path, ".")
}
