// Package attr converts typed model attributes to and from the restricted wire
// representation of the remote store: strings, numbers, string sets and number sets.
package attr

import (
	"errors"
	"fmt"
)

// Kind is the declared type of an attribute.
type Kind int

const (
	String Kind = iota + 1
	Integer
	Float
	Set
	Datetime
	Serialized
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Integer:
		return "integer"
	case Float:
		return "float"
	case Set:
		return "set"
	case Datetime:
		return "datetime"
	case Serialized:
		return "serialized"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= String && k <= Serialized
}

// Serializer replaces the YAML encoding of a Serialized attribute.
type Serializer interface {
	Dump(v any) (string, error)
	Load(s string) (any, error)
}

// Field declares one attribute of a model.
type Field struct {
	Name string
	Kind Kind

	// Default is substituted when the raw value is nil.
	Default any

	// DefaultFunc takes precedence over Default and is evaluated on every use.
	DefaultFunc func() any

	// Serializer is only consulted for Serialized fields.
	Serializer Serializer
}

func (f Field) defaultValue() any {
	if f.DefaultFunc != nil {
		return f.DefaultFunc()
	}
	return f.Default
}

var (
	// ErrUnknownKind is returned for a field whose Kind is not declared above.
	ErrUnknownKind = errors.New("attr: unknown attribute kind")

	// ErrUnsupportedValue is returned when a value cannot be coerced to its field's kind.
	ErrUnsupportedValue = errors.New("attr: unsupported value")
)

// ConfigurationError reports a broken attribute declaration. It is never retried.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("attr: field %q: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Schema is a validated, ordered set of field declarations.
type Schema struct {
	fields []Field
	byName map[string]Field
}

// NewSchema validates the declarations. Every field needs a unique name and a known kind.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{byName: make(map[string]Field, len(fields))}
	for _, f := range fields {
		if f.Name == "" {
			return nil, &ConfigurationError{Err: errors.New("empty field name")}
		}
		if !f.Kind.Valid() {
			return nil, &ConfigurationError{Field: f.Name, Err: ErrUnknownKind}
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, &ConfigurationError{Field: f.Name, Err: errors.New("declared twice")}
		}
		s.fields = append(s.fields, f)
		s.byName[f.Name] = f
	}
	return s, nil
}

// Field returns the declaration for name.
func (s *Schema) Field(name string) (Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Fields returns the declarations in declaration order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Has reports whether name is declared.
func (s *Schema) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}
