package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nasdf/branchdb/index"
	"github.com/nasdf/branchdb/metrics"
	"github.com/nasdf/branchdb/schema"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/oklog/ulid/v2"
)

// MergeState is the state of a merge request.
type MergeState string

const (
	MergePreparing     MergeState = "PREPARING"
	MergeComparing     MergeState = "COMPARING"
	MergeConflictCheck MergeState = "CONFLICT_CHECK"
	MergeConflicted    MergeState = "CONFLICTED"
	MergeApplying      MergeState = "APPLYING"
	MergeDone          MergeState = "DONE"
	MergeFailed        MergeState = "FAILED"
	MergeCancelled     MergeState = "CANCELLED"
)

// MergeOptions configures a merge or rebase.
type MergeOptions struct {
	// Exclusions are document ids, or type/id pairs, left out of the merge.
	Exclusions []string
	// Squash records a single system message and no per document origins.
	Squash bool
	// Force resolves conflicts with the source version.
	Force bool
	// Processor resolves documents changed on both sides. Defaults to a PropertyProcessor.
	Processor ConflictProcessor
	// User owns the structural lock and authors the merge commit.
	User    string
	Comment string
}

func (o MergeOptions) excluded(key docKey) bool {
	return slices.Contains(o.Exclusions, key.ID) || slices.Contains(o.Exclusions, key.String())
}

// Merge is the persisted record of a merge or rebase request.
type Merge struct {
	ID     string
	Source string
	Target string
	// Kind is KindMerge or KindRebase.
	Kind      string
	State     MergeState
	Conflicts []Conflict
	// Commit is the id of the resulting commit or empty when nothing was applied.
	Commit  string
	Error   string
	User    string
	Started int64
	Ended   int64
}

// mergePlan holds the versions compared by a merge.
type mergePlan struct {
	kind   string
	child  *Branch
	parent *Branch
	// into is the branch the changes are applied to.
	into *Branch
	// from is the branch the changes are taken from.
	from *Branch
	// baseAt is the parent timestamp holding the common base.
	baseAt int64
}

// Merge applies the changes of the source branch to the target branch.
//
// When the target is the parent of the source the changes made on the source since the last
// merge are applied to the target. When the source is the parent of the target the target is
// rebased onto the head of the source. Any other pair of branches returns ErrInvalidMerge.
//
// Only a direct parent and child are accepted. Changes reach a grandparent by merging one
// level at a time.
func (r *Repository) Merge(ctx context.Context, source, target string, opts MergeOptions) (*Merge, error) {
	if opts.Processor == nil {
		opts.Processor = PropertyProcessor{}
	}
	m := &Merge{
		ID:      ulid.Make().String(),
		Source:  source,
		Target:  target,
		State:   MergePreparing,
		User:    opts.User,
		Started: time.Now().UnixNano(),
	}
	kind, err := r.mergeDirection(source, target)
	if err != nil {
		return nil, err
	}
	m.Kind = kind

	release, err := r.acquire(ctx, opts.User, kind, target, source, target)
	if err != nil {
		return nil, r.finishMerge(ctx, m, err)
	}
	defer release()

	m.State = MergeComparing
	plan, err := r.planMerge(kind, source, target)
	if err != nil {
		return nil, r.finishMerge(ctx, m, err)
	}
	candidates, err := r.mergeCandidates(ctx, plan)
	if err != nil {
		return nil, r.finishMerge(ctx, m, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, r.finishMerge(ctx, m, err)
	}

	m.State = MergeConflictCheck
	changes, conflicts, err := r.checkConflicts(ctx, plan, candidates, opts)
	if err != nil {
		return nil, r.finishMerge(ctx, m, err)
	}
	if len(conflicts) > 0 {
		m.Conflicts = conflicts
		metrics.MergeConflicts.WithLabelValues(kind).Add(float64(len(conflicts)))
		r.log.WarnCtx(ctx, "merge conflicted", "merge", m.ID, "source", source, "target", target, "conflicts", len(conflicts))
		return nil, r.finishMerge(ctx, m, &MergeConflictError{Merge: m.ID, Conflicts: conflicts})
	}
	if err := ctx.Err(); err != nil {
		return nil, r.finishMerge(ctx, m, err)
	}

	// the apply step is not interrupted once started
	m.State = MergeApplying
	ctx = context.WithoutCancel(ctx)
	commit, err := r.applyMerge(ctx, plan, changes, opts)
	if err != nil && !errors.Is(err, ErrEmptyCommit) {
		return nil, r.finishMerge(ctx, m, err)
	}
	if commit != nil {
		m.Commit = commit.ID
	}
	if err := r.finishMerge(ctx, m, nil); err != nil {
		return nil, err
	}
	return m, nil
}

// Rebase moves the branch with the given path onto the head of its parent.
func (r *Repository) Rebase(ctx context.Context, path string, opts MergeOptions) (*Merge, error) {
	b, err := r.live(path)
	if err != nil {
		return nil, err
	}
	if b.IsRoot() {
		return nil, fmt.Errorf("%w: the root branch has no parent", ErrInvalidMerge)
	}
	return r.Merge(ctx, b.Parent, path, opts)
}

// MergeStatus returns the merge record with the given id.
func (r *Repository) MergeStatus(ctx context.Context, id string) (*Merge, error) {
	data, err := r.index.Get(ctx, mergeKind, id)
	if errors.Is(err, index.ErrNotFound) {
		return nil, fmt.Errorf("%w: merge %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var m Merge
	if err := records.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repository) mergeDirection(source, target string) (string, error) {
	src, err := r.live(source)
	if err != nil {
		return "", err
	}
	tgt, err := r.live(target)
	if err != nil {
		return "", err
	}
	switch {
	case src.Parent == tgt.Path:
		return KindMerge, nil
	case tgt.Parent == src.Path:
		return KindRebase, nil
	default:
		return "", fmt.Errorf("%w: %s and %s are not parent and child", ErrInvalidMerge, source, target)
	}
}

// planMerge loads the branches again once the structural lock is held.
func (r *Repository) planMerge(kind, source, target string) (*mergePlan, error) {
	src, err := r.live(source)
	if err != nil {
		return nil, err
	}
	tgt, err := r.live(target)
	if err != nil {
		return nil, err
	}
	if kind == KindMerge {
		parentAt, _ := src.mergeBase()
		return &mergePlan{kind: kind, child: src, parent: tgt, into: tgt, from: src, baseAt: parentAt}, nil
	}
	return &mergePlan{kind: kind, child: tgt, parent: src, into: tgt, from: src, baseAt: tgt.Base}, nil
}

// mergeCandidates returns the documents changed on the side being applied since the common base.
func (r *Repository) mergeCandidates(ctx context.Context, plan *mergePlan) ([]docKey, error) {
	out := make(map[docKey]struct{})
	if plan.kind == KindMerge {
		_, since := plan.child.mergeBase()
		commits, err := r.commits(ctx, plan.child, since, plan.child.Head)
		if err != nil {
			return nil, err
		}
		for _, c := range commits {
			for _, a := range c.Affected {
				out[docKey{Type: a.Type, ID: a.ID}] = struct{}{}
			}
		}
	} else {
		err := r.changedDocuments(ctx, plan.parent.Path, plan.child.Base, plan.parent.Head, out)
		if err != nil {
			return nil, err
		}
	}
	keys := make([]docKey, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b docKey) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys, nil
}

// checkConflicts compares the base, source and target version of every candidate and
// returns the changes to apply and the conflicts that could not be resolved.
func (r *Repository) checkConflicts(ctx context.Context, plan *mergePlan, candidates []docKey, opts MergeOptions) ([]change, []Conflict, error) {
	var changes []change
	var conflicts []Conflict
	for _, key := range candidates {
		if opts.excluded(key) {
			continue
		}
		set, err := r.loadRevisions(ctx, key.Type, key.ID)
		if err != nil {
			return nil, nil, err
		}
		// a rebase only needs to rewrite documents the child changed itself
		if plan.kind == KindRebase && set.own(plan.child, plan.child.Head) == nil {
			continue
		}
		base, err := set.resolve(r.view, plan.parent.Path, plan.baseAt)
		if err != nil {
			return nil, nil, err
		}
		src, err := set.resolve(r.view, plan.from.Path, plan.from.Head)
		if err != nil {
			return nil, nil, err
		}
		tgt, err := set.resolve(r.view, plan.into.Path, plan.into.Head)
		if err != nil {
			return nil, nil, err
		}
		if content(src) == content(base) || content(src) == content(tgt) {
			continue
		}
		var origin string
		if !opts.Squash {
			origin = originOf(set, plan.from, src)
		}
		srcNode, err := r.node(ctx, src)
		if err != nil {
			return nil, nil, err
		}
		if content(tgt) == content(base) {
			changes = append(changes, change{key: key, node: srcNode, origin: origin})
			continue
		}
		baseNode, err := r.node(ctx, base)
		if err != nil {
			return nil, nil, err
		}
		tgtNode, err := r.node(ctx, tgt)
		if err != nil {
			return nil, nil, err
		}
		in := ConflictInput{
			Schema: r.schema,
			Type:   key.Type,
			ID:     key.ID,
			Base:   baseNode,
			Source: srcNode,
			Target: tgtNode,
		}
		res, err := opts.Processor.Resolve(ctx, in)
		if err != nil {
			return nil, nil, err
		}
		if len(res.Conflicts) > 0 && opts.Force {
			res = sourceResolution(in)
		}
		if len(res.Conflicts) > 0 {
			conflicts = append(conflicts, res.Conflicts...)
			continue
		}
		node, err := r.resolvedNode(key, res)
		if err != nil {
			return nil, nil, err
		}
		changes = append(changes, change{key: key, node: node, origin: origin})
	}
	return changes, conflicts, nil
}

// resolvedNode validates the document returned by a conflict processor against the schema.
//
// A nil node is returned when the resolution removes the document.
func (r *Repository) resolvedNode(key docKey, res Resolution) (datamodel.Node, error) {
	if res.Remove {
		return nil, nil
	}
	if res.Node == nil {
		return nil, fmt.Errorf("%w: resolution of %s has no document", ErrInvalidDocument, key)
	}
	if res.Node.Kind() != datamodel.Kind_Map {
		return nil, fmt.Errorf("%w: resolution of %s is a %s", ErrInvalidDocument, key, res.Node.Kind())
	}
	value, err := schema.MapValue(res.Node)
	if err != nil {
		return nil, fmt.Errorf("%w: resolution of %s: %w", ErrInvalidDocument, key, err)
	}
	node, err := r.schema.Build(key.Type, value)
	if err != nil {
		return nil, fmt.Errorf("%w: resolution of %s: %w", ErrInvalidDocument, key, err)
	}
	return node, nil
}

func (r *Repository) applyMerge(ctx context.Context, plan *mergePlan, changes []change, opts MergeOptions) (*Commit, error) {
	author := opts.User
	if author == "" {
		author = SystemUser
	}
	comment := opts.Comment
	if opts.Squash || comment == "" {
		comment = mergeMessage(plan.from.Path, plan.into.Path)
	}
	req := &commitRequest{
		branch:   plan.into.Path,
		snapshot: plan.into.Head,
		author:   author,
		comment:  comment,
		kind:     plan.kind,
		source:   plan.from.Path,
		changes:  changes,
	}
	if plan.kind == KindMerge {
		if len(changes) == 0 {
			return nil, nil
		}
		req.merged = plan.child.Path
		req.mergedHead = plan.child.Head
	} else {
		if len(changes) == 0 && plan.parent.Head <= plan.child.Base {
			return nil, nil
		}
		req.rebase = plan.parent.Head
	}
	return r.apply(ctx, req)
}

// finishMerge records the final state of the merge and returns the given error.
func (r *Repository) finishMerge(ctx context.Context, m *Merge, err error) error {
	switch {
	case err == nil:
		m.State = MergeDone
	case errors.Is(err, ErrMergeConflict):
		m.State = MergeConflicted
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		m.State = MergeCancelled
	default:
		m.State = MergeFailed
	}
	if err != nil {
		m.Error = err.Error()
	}
	m.Ended = time.Now().UnixNano()
	metrics.MergeCount.WithLabelValues(m.Kind, string(m.State)).Inc()

	tx := r.index.Write()
	if perr := putRecord(tx, mergeKind, m.ID, m); perr != nil {
		return errors.Join(err, perr)
	}
	if perr := tx.Commit(context.WithoutCancel(ctx)); perr != nil {
		r.log.ErrorCtx(ctx, "failed to persist merge", "merge", m.ID, "err", perr)
		return errors.Join(err, fmt.Errorf("%w: %w", ErrIOFailure, perr))
	}
	if err != nil {
		r.log.InfoCtx(ctx, "merge finished", "merge", m.ID, "kind", m.Kind, "source", m.Source, "target", m.Target, "state", m.State, "err", err)
		return err
	}
	r.log.InfoCtx(ctx, "merge finished", "merge", m.ID, "kind", m.Kind, "source", m.Source, "target", m.Target, "state", m.State, "commit", m.Commit)
	return nil
}

func mergeMessage(source, target string) string {
	return fmt.Sprintf("Merge branch '%s' into '%s'", source, target)
}

// content returns the content link of the revision or an empty string if the revision is nil.
func content(rev *Revision) string {
	if rev == nil {
		return ""
	}
	return rev.Content
}

// originOf returns the id of the commit that produced the source version of a document.
func originOf(set revisionSet, from *Branch, src *Revision) string {
	if src != nil {
		return src.Commit
	}
	// removals resolve to nil so the tombstone is looked up directly
	if rev := set.own(from, from.Head); rev != nil {
		return rev.Commit
	}
	return ""
}
