package schema

import (
	"fmt"
	"math"
	"reflect"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

const (
	// setPatch is a patch operation that overwrites a field value.
	setPatch = "set"
	// appendPatch is a patch operation that appends a value to a list field.
	appendPatch = "append"
)

// Build returns a new document node of the given type containing the given value.
func (s *Schema) Build(typ string, value map[string]any) (datamodel.Node, error) {
	t, err := s.Type(typ)
	if err != nil {
		return nil, err
	}
	nb := basicnode.Prototype.Map.NewBuilder()
	if err := s.assignObject(t, value, nb); err != nil {
		return nil, err
	}
	return nb.Build(), nil
}

// Patch returns a copy of the given document node with the operations in the given patch applied.
//
// Each patch entry is keyed by field name and holds either a single {set: value} or
// {append: value} operation, or for object fields a nested patch.
func (s *Schema) Patch(typ string, n datamodel.Node, patch map[string]any) (datamodel.Node, error) {
	t, err := s.Type(typ)
	if err != nil {
		return nil, err
	}
	nb := basicnode.Prototype.Map.NewBuilder()
	if err := s.patchObject(t, n, patch, nb); err != nil {
		return nil, err
	}
	return nb.Build(), nil
}

func (s *Schema) assignObject(t *Type, value map[string]any, na datamodel.NodeAssembler) error {
	for k := range value {
		if t.Field(k) == nil {
			return fmt.Errorf("invalid document field %s.%s", t.Name, k)
		}
	}
	ma, err := na.BeginMap(int64(len(value)))
	if err != nil {
		return err
	}
	for _, field := range t.Fields {
		v := value[field.Name]
		if v == nil {
			if field.NonNull {
				return fmt.Errorf("missing required field %s.%s", t.Name, field.Name)
			}
			continue
		}
		na, err := ma.AssembleEntry(field.Name)
		if err != nil {
			return err
		}
		if err := s.assignValue(field, v, na); err != nil {
			return fmt.Errorf("%s.%s: %w", t.Name, field.Name, err)
		}
	}
	return ma.Finish()
}

func (s *Schema) assignValue(field *Field, value any, na datamodel.NodeAssembler) error {
	if field.List {
		list, err := toList(value)
		if err != nil {
			return err
		}
		return s.assignList(field, list, na)
	}
	return s.assignElem(field, value, na)
}

func (s *Schema) assignList(field *Field, value []any, na datamodel.NodeAssembler) error {
	la, err := na.BeginList(int64(len(value)))
	if err != nil {
		return err
	}
	for _, v := range value {
		if v == nil && field.ElemNonNull {
			return fmt.Errorf("list element can not be null")
		}
		if err := s.assignElem(field, v, la.AssembleValue()); err != nil {
			return err
		}
	}
	return la.Finish()
}

func (s *Schema) assignElem(field *Field, value any, na datamodel.NodeAssembler) error {
	if value == nil {
		return na.AssignNull()
	}
	switch field.Kind {
	case KindObject:
		v, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("invalid object value %v", value)
		}
		return s.assignObject(s.types[field.Type], v, na)
	case KindEnum:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("invalid enum value %v", value)
		}
		def := s.ast.Types[field.Type]
		if def.EnumValues.ForName(v) == nil {
			return fmt.Errorf("invalid enum value %s for %s", v, field.Type)
		}
		return na.AssignString(v)
	}
	switch field.Type {
	case "String", "ID":
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("invalid string value %v", value)
		}
		return na.AssignString(v)
	case "Boolean":
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("invalid boolean value %v", value)
		}
		return na.AssignBool(v)
	case "Int":
		v, err := toInt(value)
		if err != nil {
			return err
		}
		return na.AssignInt(v)
	case "Float":
		v, err := toFloat(value)
		if err != nil {
			return err
		}
		return na.AssignFloat(v)
	default:
		return fmt.Errorf("invalid type %s", field.Type)
	}
}

func (s *Schema) patchObject(t *Type, n datamodel.Node, patch map[string]any, na datamodel.NodeAssembler) error {
	for k := range patch {
		if t.Field(k) == nil {
			return fmt.Errorf("invalid document field %s.%s", t.Name, k)
		}
	}
	ma, err := na.BeginMap(int64(len(t.Fields)))
	if err != nil {
		return err
	}
	for _, field := range t.Fields {
		var nv datamodel.Node
		if n != nil {
			nv, err = n.LookupByString(field.Name)
			if _, ok := err.(datamodel.ErrNotExists); err != nil && !ok {
				return err
			}
		}
		p, ok := patch[field.Name]
		if !ok {
			if nv == nil {
				continue // ignore empty fields
			}
			na, err := ma.AssembleEntry(field.Name)
			if err != nil {
				return err
			}
			if err := na.AssignNode(nv); err != nil {
				return err
			}
			continue
		}
		value, err := s.patchValue(field, nv, p)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", t.Name, field.Name, err)
		}
		if value == nil {
			if field.NonNull {
				return fmt.Errorf("missing required field %s.%s", t.Name, field.Name)
			}
			continue
		}
		na, err := ma.AssembleEntry(field.Name)
		if err != nil {
			return err
		}
		if err := na.AssignNode(value); err != nil {
			return err
		}
	}
	return ma.Finish()
}

// patchValue returns the patched field value or nil if the field should be removed.
func (s *Schema) patchValue(field *Field, n datamodel.Node, value any) (datamodel.Node, error) {
	patch, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid patch %v", value)
	}
	if field.Kind == KindObject && !field.List && !isOperation(patch) {
		nb := basicnode.Prototype.Map.NewBuilder()
		if n != nil && n.IsNull() {
			n = nil
		}
		if err := s.patchObject(s.types[field.Type], n, patch, nb); err != nil {
			return nil, err
		}
		return nb.Build(), nil
	}
	if len(patch) != 1 {
		return nil, fmt.Errorf("patch must contain exactly one operation")
	}
	var op string
	for k := range patch {
		op = k
	}
	nb := basicnode.Prototype.Any.NewBuilder()
	switch op {
	case setPatch:
		if patch[op] == nil {
			return nil, nil
		}
		if err := s.assignValue(field, patch[op], nb); err != nil {
			return nil, err
		}
	case appendPatch:
		if !field.List {
			return nil, fmt.Errorf("append is only valid on list fields")
		}
		if err := s.appendList(field, n, patch[op], nb); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("invalid patch operation %s", op)
	}
	return nb.Build(), nil
}

func (s *Schema) appendList(field *Field, n datamodel.Node, value any, na datamodel.NodeAssembler) error {
	vals, err := toList(value)
	if err != nil {
		vals = []any{value}
	}
	if n == nil || n.IsNull() {
		return s.assignList(field, vals, na)
	}
	la, err := na.BeginList(n.Length() + int64(len(vals)))
	if err != nil {
		return err
	}
	iter := n.ListIterator()
	for iter != nil && !iter.Done() {
		_, v, err := iter.Next()
		if err != nil {
			return err
		}
		if err := la.AssembleValue().AssignNode(v); err != nil {
			return err
		}
	}
	for _, v := range vals {
		if v == nil && field.ElemNonNull {
			return fmt.Errorf("list element can not be null")
		}
		if err := s.assignElem(field, v, la.AssembleValue()); err != nil {
			return err
		}
	}
	return la.Finish()
}

func isOperation(patch map[string]any) bool {
	if len(patch) != 1 {
		return false
	}
	_, set := patch[setPatch]
	return set
}

func toList(value any) ([]any, error) {
	if v, ok := value.([]any); ok {
		return v, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("invalid list value %v", value)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func toInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("int value out of range %d", v)
		}
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("invalid int value %v", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("invalid int value %v", value)
	}
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		i, err := toInt(value)
		if err != nil {
			return 0, fmt.Errorf("invalid float value %v", value)
		}
		return float64(i), nil
	}
}
