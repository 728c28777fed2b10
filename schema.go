package sgdb

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type FieldType uint8

const (
	FieldString FieldType = iota + 1
	FieldNumber
	FieldBoolean
	FieldDate
	FieldObject
)

var fieldTypeNames = map[FieldType]string{
	FieldString:  "string",
	FieldNumber:  "number",
	FieldBoolean: "boolean",
	FieldDate:    "date",
	FieldObject:  "object",
}

// default capacity per field type, in encoded bytes
var defaultFieldSize = map[FieldType]int{
	FieldString:  32,
	FieldNumber:  24,
	FieldBoolean: 1,
	FieldDate:    20,
	FieldObject:  64,
}

func (t FieldType) String() string {
	if n, ok := fieldTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

func parseFieldType(s string) (FieldType, bool) {
	switch s {
	case "string", "text":
		return FieldString, true
	case "number", "float", "int":
		return FieldNumber, true
	case "boolean", "bool":
		return FieldBoolean, true
	case "date", "time":
		return FieldDate, true
	case "object", "json":
		return FieldObject, true
	}
	return 0, false
}

type Field struct {
	Name string
	Type FieldType
	// capacity hint used to size the document payload
	Size int
}

// Schema is the ordered field list of a class. Field order is the encode order.
type Schema struct {
	Fields []Field
	index  map[string]int
}

var (
	fieldNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	fieldDeclRe = regexp.MustCompile(`^([a-z]+)(?:\((\d+)\))?$`)
)

// ParseSchema parses "name:string(64),age:number". A field without a type is a string.
func ParseSchema(text string) (*Schema, error) {
	s := &Schema{index: make(map[string]int)}
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, decl := part, "string"
		if i := strings.IndexByte(part, ':'); i >= 0 {
			name, decl = strings.TrimSpace(part[:i]), strings.ToLower(strings.TrimSpace(part[i+1:]))
		}
		if !fieldNameRe.MatchString(name) {
			return nil, errors.Wrapf(ErrInvalidSchema, "bad field name %q", name)
		}
		if _, dup := s.index[name]; dup {
			return nil, errors.Wrapf(ErrInvalidSchema, "duplicate field %q", name)
		}
		m := fieldDeclRe.FindStringSubmatch(decl)
		if m == nil {
			return nil, errors.Wrapf(ErrInvalidSchema, "bad field type %q", decl)
		}
		typ, ok := parseFieldType(m[1])
		if !ok {
			return nil, errors.Wrapf(ErrInvalidSchema, "unknown field type %q", m[1])
		}
		size := defaultFieldSize[typ]
		if m[2] != "" {
			n, err := strconv.Atoi(m[2])
			if err != nil || n <= 0 {
				return nil, errors.Wrapf(ErrInvalidSchema, "bad size for field %q", name)
			}
			size = n
		}
		s.index[name] = len(s.Fields)
		s.Fields = append(s.Fields, Field{Name: name, Type: typ, Size: size})
	}
	if len(s.Fields) == 0 {
		return nil, errors.Wrap(ErrInvalidSchema, "no fields")
	}
	return s, nil
}

func MustParseSchema(text string) *Schema {
	s, err := ParseSchema(text)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// String renders the canonical schema text.
func (s *Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = f.Name + ":" + f.Type.String() + "(" + strconv.Itoa(f.Size) + ")"
	}
	return strings.Join(parts, ",")
}

// RequiredPayload is the payload a row needs when every field is at capacity.
func (s *Schema) RequiredPayload() int {
	n := len(s.Fields) - 1
	for _, f := range s.Fields {
		n += f.Size
	}
	return n
}

func (s *Schema) Equal(o *Schema) bool {
	return o != nil && s.String() == o.String()
}
