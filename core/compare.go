package core

import (
	"cmp"
	"context"
	"slices"

	"github.com/nasdf/branchdb/diff"

	"github.com/ipld/go-ipld-prime/datamodel"
)

// Op is the kind of difference between two versions of a document.
type Op string

const (
	OpAdd    Op = "ADD"
	OpDelete Op = "DELETE"
	OpChange Op = "CHANGE"
)

// CompareDetail is one difference between two refs.
type CompareDetail struct {
	Op       Op
	Type     string
	ObjectID string
	// ContainerID is the value of the @container field of the document. It is only set for
	// OpAdd and OpDelete.
	ContainerID string
	// Property is the path of the changed property. It is only set for OpChange.
	Property string
	From     any
	To       any
}

// Compare returns the differences that turn the state at the base ref into the state at the compare ref.
func (r *Repository) Compare(ctx context.Context, base, compare Ref) ([]CompareDetail, error) {
	from, fromAt, err := r.resolveRef(base)
	if err != nil {
		return nil, err
	}
	to, toAt, err := r.resolveRef(compare)
	if err != nil {
		return nil, err
	}
	return r.compare(ctx, from.Path, fromAt, to.Path, toAt)
}

// CommitChanges returns the differences introduced by the commit with the given id.
func (r *Repository) CommitChanges(ctx context.Context, id string) ([]CompareDetail, error) {
	commit, err := r.CommitByID(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := r.live(commit.Branch)
	if err != nil {
		return nil, err
	}
	return r.compare(ctx, b.Path, commit.Timestamp-1, b.Path, commit.Timestamp)
}

// chainLevel is a branch and the timestamp it is read at.
type chainLevel struct {
	branch *Branch
	at     int64
}

// chain returns the levels read when resolving documents on the branch at the given timestamp.
func (r *Repository) chain(path string, ts int64) []chainLevel {
	var levels []chainLevel
	for path != "" {
		b, ok := r.arena.Load(path)
		if !ok {
			break
		}
		levels = append(levels, chainLevel{branch: b, at: ts})
		ts = b.BaseAt(ts)
		path = b.Parent
	}
	return levels
}

func (r *Repository) compare(ctx context.Context, fromPath string, fromAt int64, toPath string, toAt int64) ([]CompareDetail, error) {
	fromChain := r.chain(fromPath, fromAt)
	toChain := r.chain(toPath, toAt)

	fi, ti := commonLevel(fromChain, toChain)
	candidates := make(map[docKey]struct{})
	for _, levels := range [][]chainLevel{fromChain[:fi], toChain[:ti]} {
		for _, l := range levels {
			if err := r.touchedDocuments(ctx, l.branch, l.at, candidates); err != nil {
				return nil, err
			}
		}
	}
	if fi < len(fromChain) {
		common := fromChain[fi].branch.Path
		lo, hi := min(fromChain[fi].at, toChain[ti].at), max(fromChain[fi].at, toChain[ti].at)
		if err := r.changedDocuments(ctx, common, lo, hi, candidates); err != nil {
			return nil, err
		}
	}

	var details []CompareDetail
	for key := range candidates {
		set, err := r.loadRevisions(ctx, key.Type, key.ID)
		if err != nil {
			return nil, err
		}
		a, err := set.resolve(r.view, fromPath, fromAt)
		if err != nil {
			return nil, err
		}
		b, err := set.resolve(r.view, toPath, toAt)
		if err != nil {
			return nil, err
		}
		if content(a) == content(b) {
			continue
		}
		out, err := r.compareDocument(ctx, key, a, b)
		if err != nil {
			return nil, err
		}
		details = append(details, out...)
	}
	slices.SortFunc(details, func(a, b CompareDetail) int {
		return cmp.Or(
			cmp.Compare(a.Type, b.Type),
			cmp.Compare(a.ObjectID, b.ObjectID),
			cmp.Compare(a.Op, b.Op),
			cmp.Compare(a.Property, b.Property),
		)
	})
	return details, nil
}

// commonLevel returns the positions of the nearest branch both chains read from.
//
// When the chains share no branch the lengths of both chains are returned.
func commonLevel(a, b []chainLevel) (int, int) {
	for i, l := range a {
		j := slices.IndexFunc(b, func(o chainLevel) bool {
			return o.branch.Path == l.branch.Path
		})
		if j >= 0 {
			return i, j
		}
	}
	return len(a), len(b)
}

func (r *Repository) compareDocument(ctx context.Context, key docKey, from, to *Revision) ([]CompareDetail, error) {
	a, err := r.node(ctx, from)
	if err != nil {
		return nil, err
	}
	b, err := r.node(ctx, to)
	if err != nil {
		return nil, err
	}
	switch {
	case a == nil:
		container, err := r.containerID(key.Type, b)
		if err != nil {
			return nil, err
		}
		return []CompareDetail{{Op: OpAdd, Type: key.Type, ObjectID: key.ID, ContainerID: container}}, nil

	case b == nil:
		container, err := r.containerID(key.Type, a)
		if err != nil {
			return nil, err
		}
		return []CompareDetail{{Op: OpDelete, Type: key.Type, ObjectID: key.ID, ContainerID: container}}, nil
	}
	changes, err := diff.Nodes(r.schema, key.Type, a, b)
	if err != nil {
		return nil, err
	}
	details := make([]CompareDetail, 0, len(changes))
	for _, c := range changes {
		details = append(details, CompareDetail{
			Op:       OpChange,
			Type:     key.Type,
			ObjectID: key.ID,
			Property: c.Path,
			From:     c.From,
			To:       c.To,
		})
	}
	return details, nil
}

// containerID returns the value of the @container field of the document or an empty string.
func (r *Repository) containerID(typ string, n datamodel.Node) (string, error) {
	t, err := r.schema.Type(typ)
	if err != nil {
		return "", err
	}
	field := t.Container()
	if field == nil {
		return "", nil
	}
	v, err := n.LookupByString(field.Name)
	if _, ok := err.(datamodel.ErrNotExists); ok {
		return "", nil
	}
	if err != nil || v.IsNull() {
		return "", err
	}
	return v.AsString()
}
