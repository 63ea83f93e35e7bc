package types

import (
	"encoding/json"
	"fmt"
	"strings"

	rserrors "github.com/arkilian/recordstore/internal/errors"
)

// FieldType is the declared type of a schema field. The set is closed;
// column codecs, the shredder and the materializer switch on it.
type FieldType uint8

const (
	FieldTypeObject FieldType = iota + 1
	FieldTypeBool
	FieldTypeUInt32
	FieldTypeUInt64
	FieldTypeString
	FieldTypeDouble
	FieldTypeDateTime
)

// MaxFieldID is the largest field id. Ids double as protobuf field numbers
// in the commit log encoding, which start at 1 and span 29 bits.
const MaxFieldID = 1<<29 - 1

var fieldTypeNames = map[FieldType]string{
	FieldTypeObject:   "object",
	FieldTypeBool:     "bool",
	FieldTypeUInt32:   "uint32",
	FieldTypeUInt64:   "uint64",
	FieldTypeString:   "string",
	FieldTypeDouble:   "double",
	FieldTypeDateTime: "datetime",
}

// String returns the lower-case type name used in schema files.
func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FieldType(%d)", uint8(t))
}

// ParseFieldType parses a type name as written in schema files.
func ParseFieldType(s string) (FieldType, error) {
	for t, name := range fieldTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return 0, rserrors.InvalidSchema("unknown field type %q", s)
}

// MarshalJSON encodes the type by name.
func (t FieldType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a type name.
func (t *FieldType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseFieldType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Field describes one named, typed field of a schema. Fields of type object
// own a nested schema; all other fields must not.
type Field struct {
	// ID is the field identifier, unique among siblings
	ID uint32 `json:"id"`

	// Name is the field name; leaf column paths join names with "."
	Name string `json:"name"`

	// Type is the declared field type
	Type FieldType `json:"type"`

	// SizeHint is the expected maximum encoded size of a value
	SizeHint uint32 `json:"size_hint,omitempty"`

	// Repeated fields may occur zero or more times
	Repeated bool `json:"repeated,omitempty"`

	// Optional fields may be absent
	Optional bool `json:"optional,omitempty"`

	// Schema is the nested schema for object fields
	Schema *Schema `json:"schema,omitempty"`
}

// NewField creates a scalar field.
func NewField(id uint32, name string, typ FieldType, sizeHint uint32, repeated, optional bool) (Field, error) {
	f := Field{
		ID:       id,
		Name:     name,
		Type:     typ,
		SizeHint: sizeHint,
		Repeated: repeated,
		Optional: optional,
	}
	return f, f.validate()
}

// NewObjectField creates an object field owning the given nested schema.
func NewObjectField(id uint32, name string, nested *Schema, repeated, optional bool) (Field, error) {
	f := Field{
		ID:       id,
		Name:     name,
		Type:     FieldTypeObject,
		Repeated: repeated,
		Optional: optional,
		Schema:   nested,
	}
	return f, f.validate()
}

// IsLeaf reports whether the field maps to a column.
func (f *Field) IsLeaf() bool {
	return f.Type != FieldTypeObject
}

func (f *Field) validate() error {
	if f.Name == "" {
		return rserrors.InvalidSchema("field %d has no name", f.ID)
	}
	if strings.Contains(f.Name, ".") {
		return rserrors.InvalidSchema("field name %q must not contain '.'", f.Name)
	}
	if f.ID == 0 || f.ID > MaxFieldID {
		return rserrors.InvalidSchema("field %q has id %d outside [1, %d]", f.Name, f.ID, MaxFieldID)
	}
	if _, ok := fieldTypeNames[f.Type]; !ok {
		return rserrors.InvalidSchema("field %q has invalid type %d", f.Name, f.Type)
	}
	if f.Type == FieldTypeObject && f.Schema == nil {
		return rserrors.InvalidSchema("object field %q requires a nested schema", f.Name)
	}
	if f.Type == FieldTypeObject && len(f.Schema.Fields) == 0 {
		return rserrors.InvalidSchema("object field %q has an empty nested schema", f.Name)
	}
	if f.Type != FieldTypeObject && f.Schema != nil {
		return rserrors.InvalidSchema("%s field %q must not carry a nested schema", f.Type, f.Name)
	}
	return nil
}

// Schema is an immutable description of a record's shape.
type Schema struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`

	byID map[uint32]int
}

// NewSchema creates a schema, validating fields recursively.
func NewSchema(name string, fields []Field) (*Schema, error) {
	s := &Schema{
		Name:   name,
		Fields: fields,
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on error. Intended for tests and
// static schema definitions.
func MustSchema(name string, fields ...Field) *Schema {
	s, err := NewSchema(name, fields)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseSchemaJSON decodes and validates a schema definition.
func ParseSchemaJSON(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, rserrors.InvalidSchema("failed to parse schema: %v", err)
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) init() error {
	s.byID = make(map[uint32]int, len(s.Fields))
	names := make(map[string]struct{}, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		if err := f.validate(); err != nil {
			return err
		}
		if _, dup := s.byID[f.ID]; dup {
			return rserrors.InvalidSchema("duplicate field id %d in schema %q", f.ID, s.Name)
		}
		if _, dup := names[f.Name]; dup {
			return rserrors.InvalidSchema("duplicate field name %q in schema %q", f.Name, s.Name)
		}
		s.byID[f.ID] = i
		names[f.Name] = struct{}{}
		if f.Schema != nil {
			if err := f.Schema.init(); err != nil {
				return err
			}
		}
	}
	return nil
}

// FieldByID returns the field with the given id.
func (s *Schema) FieldByID(id uint32) (*Field, bool) {
	if s.byID == nil {
		for i := range s.Fields {
			if s.Fields[i].ID == id {
				return &s.Fields[i], true
			}
		}
		return nil, false
	}
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return &s.Fields[i], true
}

// FieldByName returns the field with the given name.
func (s *Schema) FieldByName(name string) (*Field, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

// Column describes one leaf column of a flattened schema.
type Column struct {
	// Path is the dotted field path, e.g. "level1.level2.str"
	Path string

	// Type is the leaf's scalar type
	Type FieldType

	// MaxRepetitionLevel is the number of repeated fields along the path
	MaxRepetitionLevel uint8

	// MaxDefinitionLevel is the number of optional or repeated fields along the path
	MaxDefinitionLevel uint8
}

// Columns returns the schema's leaf columns in depth-first field order.
func (s *Schema) Columns() []Column {
	var cols []Column
	for i := range s.Fields {
		cols = appendColumns(cols, "", 0, 0, &s.Fields[i])
	}
	return cols
}

func appendColumns(cols []Column, prefix string, rmax, dmax uint8, f *Field) []Column {
	path := prefix + f.Name
	if f.Repeated {
		rmax++
	}
	if f.Repeated || f.Optional {
		dmax++
	}
	if f.Type == FieldTypeObject {
		for i := range f.Schema.Fields {
			cols = appendColumns(cols, path+".", rmax, dmax, &f.Schema.Fields[i])
		}
		return cols
	}
	return append(cols, Column{
		Path:               path,
		Type:               f.Type,
		MaxRepetitionLevel: rmax,
		MaxDefinitionLevel: dmax,
	})
}
