package core

import (
	"cmp"
	"context"
	"fmt"

	"github.com/ipld/go-ipld-prime/datamodel"
)

const (
	equalFilter          = "eq"
	notEqualFilter       = "neq"
	greaterFilter        = "gt"
	greaterOrEqualFilter = "gte"
	lessFilter           = "lt"
	lessOrEqualFilter    = "lte"
	inFilter             = "in"
	notInFilter          = "nin"
	andFilter            = "and"
	orFilter             = "or"
	notFilter            = "not"
	allFilter            = "all"
	anyFilter            = "any"
	noneFilter           = "none"
)

// Filter is a set of operators used to match document fields.
//
// Field keys may address nested properties with slash separated paths.
type Filter struct {
	value map[string]any
}

// NewFilter returns a filter matching the given operators.
func NewFilter(value map[string]any) *Filter {
	return &Filter{value: value}
}

// Match returns true if the document matches the filter.
func (f *Filter) Match(ctx context.Context, n datamodel.Node) (bool, error) {
	return f.matchDocument(ctx, n, f.value)
}

func (f *Filter) matchDocument(ctx context.Context, n datamodel.Node, value any) (bool, error) {
	if value == nil {
		return true, nil
	}
	fields, ok := value.(map[string]any)
	if !ok {
		return false, fmt.Errorf("invalid filter %v", value)
	}
	for key, val := range fields {
		switch key {
		case andFilter:
			match, err := f.matchAnd(ctx, n, val)
			if err != nil || !match {
				return false, err
			}
		case orFilter:
			match, err := f.matchOr(ctx, n, val)
			if err != nil || !match {
				return false, err
			}
		case notFilter:
			match, err := f.matchDocument(ctx, n, val)
			if err != nil || match {
				return false, err
			}
		default:
			field, err := f.lookup(n, key)
			if err != nil {
				return false, err
			}
			match, err := f.matchField(ctx, field, val)
			if err != nil || !match {
				return false, err
			}
		}
	}
	return true, nil
}

// lookup returns the value at the given field path or nil when it is not set.
func (f *Filter) lookup(n datamodel.Node, key string) (datamodel.Node, error) {
	for _, segment := range datamodel.ParsePath(key).Segments() {
		if n.Kind() != datamodel.Kind_Map {
			return nil, nil
		}
		v, err := n.LookupBySegment(segment)
		if _, ok := err.(datamodel.ErrNotExists); ok {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if v.IsNull() {
			return nil, nil
		}
		n = v
	}
	return n, nil
}

func (f *Filter) matchField(ctx context.Context, n datamodel.Node, value any) (bool, error) {
	if value == nil {
		return true, nil
	}
	ops, ok := value.(map[string]any)
	if !ok {
		return false, fmt.Errorf("invalid filter %v", value)
	}
	switch {
	case isOperators(ops):
	case n == nil:
		// a nested object filter never matches a missing field
		return false, nil
	case n.Kind() == datamodel.Kind_Map:
		return f.matchDocument(ctx, n, ops)
	}
	for key, val := range ops {
		switch key {
		case equalFilter:
			match, err := filterEqual(n, val)
			if err != nil || !match {
				return false, err
			}
		case notEqualFilter:
			match, err := filterEqual(n, val)
			if err != nil || match {
				return false, err
			}
		case greaterFilter:
			match, ok, err := filterCompare(n, val)
			if err != nil || !ok || match <= 0 {
				return false, err
			}
		case greaterOrEqualFilter:
			match, ok, err := filterCompare(n, val)
			if err != nil || !ok || match < 0 {
				return false, err
			}
		case lessFilter:
			match, ok, err := filterCompare(n, val)
			if err != nil || !ok || match >= 0 {
				return false, err
			}
		case lessOrEqualFilter:
			match, ok, err := filterCompare(n, val)
			if err != nil || !ok || match > 0 {
				return false, err
			}
		case inFilter:
			match, err := filterIn(n, val)
			if err != nil || !match {
				return false, err
			}
		case notInFilter:
			match, err := filterIn(n, val)
			if err != nil || match {
				return false, err
			}
		case allFilter:
			match, err := f.matchAll(ctx, n, val)
			if err != nil || !match {
				return false, err
			}
		case anyFilter:
			match, err := f.matchAny(ctx, n, val)
			if err != nil || !match {
				return false, err
			}
		case noneFilter:
			match, err := f.matchAny(ctx, n, val)
			if err != nil || match {
				return false, err
			}
		default:
			return false, fmt.Errorf("invalid filter operator %s", key)
		}
	}
	return true, nil
}

func (f *Filter) matchAnd(ctx context.Context, n datamodel.Node, value any) (bool, error) {
	list, ok := value.([]any)
	if !ok {
		return false, fmt.Errorf("invalid %s filter %v", andFilter, value)
	}
	for _, v := range list {
		match, err := f.matchDocument(ctx, n, v)
		if err != nil || !match {
			return false, err
		}
	}
	return true, nil
}

func (f *Filter) matchOr(ctx context.Context, n datamodel.Node, value any) (bool, error) {
	list, ok := value.([]any)
	if !ok {
		return false, fmt.Errorf("invalid %s filter %v", orFilter, value)
	}
	for _, v := range list {
		match, err := f.matchDocument(ctx, n, v)
		if err != nil || match {
			return match, err
		}
	}
	return len(list) == 0, nil
}

func (f *Filter) matchAll(ctx context.Context, n datamodel.Node, value any) (bool, error) {
	if n == nil || n.Kind() != datamodel.Kind_List {
		return false, nil
	}
	iter := n.ListIterator()
	for !iter.Done() {
		_, v, err := iter.Next()
		if err != nil {
			return false, err
		}
		match, err := f.matchField(ctx, v, value)
		if err != nil || !match {
			return false, err
		}
	}
	return true, nil
}

func (f *Filter) matchAny(ctx context.Context, n datamodel.Node, value any) (bool, error) {
	if n == nil || n.Kind() != datamodel.Kind_List {
		return false, nil
	}
	iter := n.ListIterator()
	for !iter.Done() {
		_, v, err := iter.Next()
		if err != nil {
			return false, err
		}
		match, err := f.matchField(ctx, v, value)
		if err != nil || match {
			return match, err
		}
	}
	return false, nil
}

func isOperators(ops map[string]any) bool {
	for key := range ops {
		switch key {
		case equalFilter, notEqualFilter, greaterFilter, greaterOrEqualFilter, lessFilter, lessOrEqualFilter,
			inFilter, notInFilter, allFilter, anyFilter, noneFilter:
			return true
		}
	}
	return false
}

func filterIn(n datamodel.Node, value any) (bool, error) {
	list, ok := value.([]any)
	if !ok {
		return false, fmt.Errorf("invalid %s filter %v", inFilter, value)
	}
	for _, v := range list {
		match, err := filterEqual(n, v)
		if err != nil || match {
			return match, err
		}
	}
	return false, nil
}

// filterCompare orders the node against the value. False is returned when the two can not be ordered.
func filterCompare(n datamodel.Node, value any) (int, bool, error) {
	if n == nil || value == nil {
		return 0, false, nil
	}
	switch n.Kind() {
	case datamodel.Kind_Int:
		v, err := n.AsInt()
		if err != nil {
			return 0, false, err
		}
		if i, ok := value.(int64); ok {
			return cmp.Compare(v, i), true, nil
		}
		o, ok := number(value)
		return cmp.Compare(float64(v), o), ok, nil
	case datamodel.Kind_Float:
		v, err := n.AsFloat()
		if err != nil {
			return 0, false, err
		}
		o, ok := number(value)
		return cmp.Compare(v, o), ok, nil
	case datamodel.Kind_String:
		v, err := n.AsString()
		if err != nil {
			return 0, false, err
		}
		o, ok := value.(string)
		return cmp.Compare(v, o), ok, nil
	default:
		return 0, false, fmt.Errorf("invalid kind for compare filter: %s", n.Kind())
	}
}

func filterEqual(n datamodel.Node, value any) (bool, error) {
	if n == nil || value == nil {
		return n == nil && value == nil, nil
	}
	switch n.Kind() {
	case datamodel.Kind_Bool:
		v, err := n.AsBool()
		if err != nil {
			return false, err
		}
		return v == value, nil
	case datamodel.Kind_List, datamodel.Kind_Map:
		return false, fmt.Errorf("invalid kind for equal filter: %s", n.Kind())
	default:
		match, ok, err := filterCompare(n, value)
		if err != nil || !ok {
			return false, err
		}
		return match == 0, nil
	}
}

// number converts the numeric filter value to a float.
func number(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// Search returns the documents of the given type visible at the given ref that match the filter.
func (r *Repository) Search(ctx context.Context, ref Ref, typ string, filter map[string]any) ([]*Document, error) {
	docs, err := r.ReadAll(ctx, ref, typ)
	if err != nil {
		return nil, err
	}
	f := NewFilter(filter)
	var out []*Document
	for _, d := range docs {
		match, err := f.Match(ctx, d.Node)
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, d)
		}
	}
	return out, nil
}
