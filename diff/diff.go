// Package diff compares and merges document nodes following their declared schema.
package diff

import (
	"slices"

	"github.com/nasdf/branchdb/schema"

	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"
)

// PathSeparator separates nested field names in a property path.
const PathSeparator = "/"

// Change is a single property level difference between two documents.
type Change struct {
	// Path is the slash separated path of the property.
	Path string
	// From is the value before the change or nil if it was not set.
	From any
	// To is the value after the change or nil if it was removed.
	To any
}

// Nodes returns the property changes needed to turn the from document into the to document.
func Nodes(s *schema.Schema, typ string, from, to datamodel.Node) ([]Change, error) {
	t, err := s.Type(typ)
	if err != nil {
		return nil, err
	}
	var changes []Change
	if err := diffObject(s, t, "", from, to, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

func diffObject(s *schema.Schema, t *schema.Type, prefix string, from, to datamodel.Node, changes *[]Change) error {
	for _, field := range t.Fields {
		a, err := lookup(from, field.Name)
		if err != nil {
			return err
		}
		b, err := lookup(to, field.Name)
		if err != nil {
			return err
		}
		equal, err := Equal(s, field, a, b)
		if err != nil {
			return err
		}
		if equal {
			continue
		}
		path := prefix + field.Name
		if field.Kind == schema.KindObject && !field.List && a != nil && b != nil {
			nested, err := s.Type(field.Type)
			if err != nil {
				return err
			}
			if err := diffObject(s, nested, path+PathSeparator, a, b, changes); err != nil {
				return err
			}
			continue
		}
		fromValue, err := schema.Value(a)
		if err != nil {
			return err
		}
		toValue, err := schema.Value(b)
		if err != nil {
			return err
		}
		*changes = append(*changes, Change{Path: path, From: fromValue, To: toValue})
	}
	return nil
}

// Equal returns true if the two values of the given field are equal.
//
// Unordered list fields are compared as collections of values regardless of position.
func Equal(s *schema.Schema, field *schema.Field, a, b datamodel.Node) (bool, error) {
	if a == nil || b == nil {
		return a == nil && b == nil, nil
	}
	if field.List && !field.Ordered {
		x, err := encodeElems(a)
		if err != nil {
			return false, err
		}
		y, err := encodeElems(b)
		if err != nil {
			return false, err
		}
		slices.Sort(x)
		slices.Sort(y)
		return slices.Equal(x, y), nil
	}
	if field.Kind == schema.KindObject && !field.List {
		t, err := s.Type(field.Type)
		if err != nil {
			return false, err
		}
		return equalObject(s, t, a, b)
	}
	x, err := encode(a)
	if err != nil {
		return false, err
	}
	y, err := encode(b)
	if err != nil {
		return false, err
	}
	return x == y, nil
}

// Documents returns true if the two documents of the given type are equal.
func Documents(s *schema.Schema, typ string, a, b datamodel.Node) (bool, error) {
	if a == nil || b == nil {
		return a == nil && b == nil, nil
	}
	t, err := s.Type(typ)
	if err != nil {
		return false, err
	}
	return equalObject(s, t, a, b)
}

func equalObject(s *schema.Schema, t *schema.Type, a, b datamodel.Node) (bool, error) {
	for _, field := range t.Fields {
		x, err := lookup(a, field.Name)
		if err != nil {
			return false, err
		}
		y, err := lookup(b, field.Name)
		if err != nil {
			return false, err
		}
		equal, err := Equal(s, field, x, y)
		if err != nil || !equal {
			return false, err
		}
	}
	return true, nil
}

// lookup returns the field value or nil if the field is absent or null.
func lookup(n datamodel.Node, name string) (datamodel.Node, error) {
	if n == nil {
		return nil, nil
	}
	v, err := n.LookupByString(name)
	if _, ok := err.(datamodel.ErrNotExists); ok {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, nil
	}
	return v, nil
}

func encode(n datamodel.Node) (string, error) {
	data, err := ipld.Encode(n, dagjson.Encode)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func encodeElems(n datamodel.Node) ([]string, error) {
	out := make([]string, 0, n.Length())
	for iter := n.ListIterator(); iter != nil && !iter.Done(); {
		_, v, err := iter.Next()
		if err != nil {
			return nil, err
		}
		e, err := encode(v)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
