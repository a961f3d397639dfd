package types

import (
	"fmt"
)

// FieldType is the declared type of a single record field.
type FieldType int

const (
	FieldString FieldType = iota
	FieldBlob
	FieldInt64
	FieldFloat64
	FieldBoolean
)

func (t FieldType) String() string {
	switch t {
	case FieldString:
		return "rstring"
	case FieldBlob:
		return "blob"
	case FieldInt64:
		return "int64"
	case FieldFloat64:
		return "float64"
	case FieldBoolean:
		return "boolean"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// DefaultPayloadField is the payload field name used when a schema has more
// than one field and no explicit payload binding is configured.
const DefaultPayloadField = "data"

// Field describes one named, typed attribute of a record.
type Field struct {
	Name string
	Type FieldType
}

// Schema is the ordered set of fields a stream of records carries. It is
// supplied by the graph builder and is immutable once created.
type Schema struct {
	fields []Field
	index  map[string]int
}

// NewSchema creates a schema from the given fields. Field names must be
// non-empty and unique.
func NewSchema(fields ...Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("schema must declare at least one field")
	}
	s := &Schema{
		fields: make([]Field, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema field name cannot be empty")
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate schema field %q", f.Name)
		}
		s.index[f.Name] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on an invalid definition. It is
// intended for package-level schema declarations.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// StringSchema is the common single-attribute schema whose only field,
// "string", carries the whole message.
func StringSchema() *Schema {
	return MustSchema(Field{Name: "string", Type: FieldString})
}

// Fields returns a copy of the schema's fields in declaration order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field looks up a field by name.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Len returns the number of fields.
func (s *Schema) Len() int {
	return len(s.fields)
}

// PayloadField returns the field that carries message data when no explicit
// binding is configured: the sole field of a one-field schema, otherwise
// DefaultPayloadField.
func (s *Schema) PayloadField() string {
	if len(s.fields) == 1 {
		return s.fields[0].Name
	}
	return DefaultPayloadField
}
