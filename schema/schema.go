// Package schema declares the document types stored in a repository.
//
// Types are written in GraphQL SDL. Object types become document types, object typed fields
// are embedded sub-documents, and lists are treated as unordered collections unless the field
// is annotated with @ordered. A String or ID field annotated with @container holds the id of
// the component that owns the document.
package schema

import (
	"errors"
	"fmt"
	"slices"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// Prelude declares the directives understood by the document store.
const Prelude = `
directive @ordered on FIELD_DEFINITION
directive @container on FIELD_DEFINITION
`

const (
	orderedDirective   = "ordered"
	containerDirective = "container"
)

var ErrInvalidType = errors.New("invalid document type")

// Kind is the kind of value a field holds.
type Kind int

const (
	KindScalar Kind = iota
	KindEnum
	KindObject
)

// Field is a declared field of a document type.
type Field struct {
	Name string
	// Type is the name of the scalar, enum, or object type of the field or its list elements.
	Type string
	Kind Kind
	// List is true when the field holds a list of values.
	List bool
	// NonNull is true when the field must always be set.
	NonNull bool
	// ElemNonNull is true when list elements can not be null.
	ElemNonNull bool
	// Ordered is true when the position of list elements is significant.
	Ordered bool
	// Container is true when the field holds the id of the owning component.
	Container bool
}

// Type is a declared document type.
type Type struct {
	Name   string
	Fields []*Field

	fields    map[string]*Field
	container *Field
}

// Field returns the field with the given name or nil if it does not exist.
func (t *Type) Field(name string) *Field {
	return t.fields[name]
}

// Container returns the field annotated with @container or nil if there is none.
func (t *Type) Container() *Field {
	return t.container
}

// Schema is a set of document types.
type Schema struct {
	source string
	ast    *ast.Schema
	types  map[string]*Type
}

// Load parses the given SDL source and returns the schema it declares.
func Load(source string) (*Schema, error) {
	s, err := gqlparser.LoadSchema(
		&ast.Source{Name: "prelude.graphql", Input: Prelude, BuiltIn: true},
		&ast.Source{Name: "schema.graphql", Input: source},
	)
	if err != nil {
		return nil, err
	}
	types := make(map[string]*Type)
	for _, d := range s.Types {
		if d.BuiltIn {
			continue
		}
		switch d.Kind {
		case ast.Object:
			t, err := spawnType(s, d)
			if err != nil {
				return nil, err
			}
			types[d.Name] = t
		case ast.Enum:
			// enums are validated against the ast on assignment
		default:
			return nil, fmt.Errorf("unsupported kind %s for type %s", d.Kind, d.Name)
		}
	}
	return &Schema{
		source: source,
		ast:    s,
		types:  types,
	}, nil
}

// MustLoad is like Load but panics if the source is invalid.
func MustLoad(source string) *Schema {
	s, err := Load(source)
	if err != nil {
		panic(err)
	}
	return s
}

// Source returns the SDL the schema was loaded from.
func (s *Schema) Source() string {
	return s.source
}

// Type returns the document type with the given name.
func (s *Schema) Type(name string) (*Type, error) {
	t, ok := s.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, name)
	}
	return t, nil
}

// Types returns the names of all document types in sorted order.
func (s *Schema) Types() []string {
	names := make([]string, 0, len(s.types))
	for n := range s.types {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func spawnType(s *ast.Schema, d *ast.Definition) (*Type, error) {
	t := &Type{
		Name:   d.Name,
		fields: make(map[string]*Field),
	}
	for _, def := range d.Fields {
		f, err := spawnField(s, def)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", d.Name, def.Name, err)
		}
		if f.Container {
			if t.container != nil {
				return nil, fmt.Errorf("type %s declares more than one container field", d.Name)
			}
			t.container = f
		}
		t.Fields = append(t.Fields, f)
		t.fields[f.Name] = f
	}
	return t, nil
}

func spawnField(s *ast.Schema, def *ast.FieldDefinition) (*Field, error) {
	f := &Field{
		Name:    def.Name,
		NonNull: def.Type.NonNull,
	}
	typ := def.Type
	if typ.Elem != nil {
		if typ.Elem.Elem != nil {
			return nil, fmt.Errorf("nested lists are not supported")
		}
		f.List = true
		f.ElemNonNull = typ.Elem.NonNull
		typ = typ.Elem
	}
	f.Type = typ.NamedType

	switch s.Types[typ.NamedType].Kind {
	case ast.Object:
		f.Kind = KindObject
	case ast.Enum:
		f.Kind = KindEnum
	case ast.Scalar:
		f.Kind = KindScalar
	default:
		return nil, fmt.Errorf("unsupported field type %s", typ.NamedType)
	}

	f.Ordered = def.Directives.ForName(orderedDirective) != nil
	f.Container = def.Directives.ForName(containerDirective) != nil
	if f.Ordered && !f.List {
		return nil, fmt.Errorf("@ordered is only valid on list fields")
	}
	if f.Container && (f.List || (f.Type != "String" && f.Type != "ID")) {
		return nil, fmt.Errorf("@container is only valid on String or ID fields")
	}
	return f, nil
}
