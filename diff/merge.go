package diff

import (
	"github.com/nasdf/branchdb/schema"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// Merge performs a three-way merge of the source and target documents against their common base.
//
// Fields changed on only one side take that side's value. Nested objects are merged field by
// field and unordered lists are merged as sets of values. The paths of fields changed on both
// sides to different values are returned as conflicts, in which case the merged node is nil.
func Merge(s *schema.Schema, typ string, base, source, target datamodel.Node) (datamodel.Node, []string, error) {
	t, err := s.Type(typ)
	if err != nil {
		return nil, nil, err
	}
	m := merger{schema: s}
	nb := basicnode.Prototype.Map.NewBuilder()
	if err := m.mergeObject(t, "", base, source, target, nb); err != nil {
		return nil, nil, err
	}
	if len(m.conflicts) > 0 {
		return nil, m.conflicts, nil
	}
	return nb.Build(), nil, nil
}

type merger struct {
	schema    *schema.Schema
	conflicts []string
}

func (m *merger) mergeObject(t *schema.Type, prefix string, base, source, target datamodel.Node, na datamodel.NodeAssembler) error {
	ma, err := na.BeginMap(int64(len(t.Fields)))
	if err != nil {
		return err
	}
	for _, field := range t.Fields {
		b, err := lookup(base, field.Name)
		if err != nil {
			return err
		}
		src, err := lookup(source, field.Name)
		if err != nil {
			return err
		}
		tgt, err := lookup(target, field.Name)
		if err != nil {
			return err
		}
		value, err := m.mergeField(field, prefix+field.Name, b, src, tgt)
		if err != nil {
			return err
		}
		if value == nil {
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

func (m *merger) mergeField(field *schema.Field, path string, base, source, target datamodel.Node) (datamodel.Node, error) {
	equal, err := Equal(m.schema, field, source, target)
	if err != nil || equal {
		return source, err
	}
	equal, err = Equal(m.schema, field, base, source)
	if err != nil || equal {
		return target, err
	}
	equal, err = Equal(m.schema, field, base, target)
	if err != nil || equal {
		return source, err
	}
	switch {
	case field.Kind == schema.KindObject && !field.List && source != nil && target != nil:
		t, err := m.schema.Type(field.Type)
		if err != nil {
			return nil, err
		}
		nb := basicnode.Prototype.Map.NewBuilder()
		if err := m.mergeObject(t, path+PathSeparator, base, source, target, nb); err != nil {
			return nil, err
		}
		return nb.Build(), nil

	case field.List && !field.Ordered && source != nil && target != nil:
		return mergeSet(base, source, target)

	default:
		m.conflicts = append(m.conflicts, path)
		return target, nil
	}
}

// mergeSet keeps the target elements not removed on the source and appends the elements the source added.
func mergeSet(base, source, target datamodel.Node) (datamodel.Node, error) {
	baseElems, err := elemSet(base)
	if err != nil {
		return nil, err
	}
	sourceElems, err := elemSet(source)
	if err != nil {
		return nil, err
	}
	targetElems, err := elemSet(target)
	if err != nil {
		return nil, err
	}
	nb := basicnode.Prototype.List.NewBuilder()
	la, err := nb.BeginList(target.Length() + source.Length())
	if err != nil {
		return nil, err
	}
	assign := func(n datamodel.Node, keep func(string) bool) error {
		for iter := n.ListIterator(); !iter.Done(); {
			_, v, err := iter.Next()
			if err != nil {
				return err
			}
			e, err := encode(v)
			if err != nil {
				return err
			}
			if !keep(e) {
				continue
			}
			if err := la.AssembleValue().AssignNode(v); err != nil {
				return err
			}
		}
		return nil
	}
	err = assign(target, func(e string) bool {
		_, inBase := baseElems[e]
		_, inSource := sourceElems[e]
		return !inBase || inSource
	})
	if err != nil {
		return nil, err
	}
	err = assign(source, func(e string) bool {
		_, inBase := baseElems[e]
		_, inTarget := targetElems[e]
		return !inBase && !inTarget
	})
	if err != nil {
		return nil, err
	}
	if err := la.Finish(); err != nil {
		return nil, err
	}
	return nb.Build(), nil
}

func elemSet(n datamodel.Node) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	if n == nil {
		return set, nil
	}
	elems, err := encodeElems(n)
	if err != nil {
		return nil, err
	}
	for _, e := range elems {
		set[e] = struct{}{}
	}
	return set, nil
}
