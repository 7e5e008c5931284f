package core

import (
	"context"
	"fmt"
	"time"

	"github.com/nasdf/branchdb/metrics"

	"github.com/google/uuid"
	"github.com/ipld/go-ipld-prime/datamodel"
)

// Change is a single document put or removal.
type Change struct {
	Type  string
	ID    string
	Value map[string]any
	// Remove is true when the document is removed.
	Remove bool
}

// change is a staged document change.
type change struct {
	key docKey
	// node is the new content or nil when the document is removed.
	node datamodel.Node
	// origin is the id of the commit the change was merged from.
	origin string
}

// Writer stages document changes on a branch and commits them atomically.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	repo     *Repository
	branch   string
	snapshot int64
	changes  []change
	staged   map[docKey]int
}

// Writer returns a new writer bound to the head of the branch with the given path.
func (r *Repository) Writer(ctx context.Context, path string) (*Writer, error) {
	b, err := r.live(path)
	if err != nil {
		return nil, err
	}
	return &Writer{
		repo:     r,
		branch:   b.Path,
		snapshot: b.Head,
		staged:   make(map[docKey]int),
	}, nil
}

// Branch returns the path of the branch the writer commits to.
func (w *Writer) Branch() string {
	return w.branch
}

// Snapshot returns the branch head the writer reads from.
func (w *Writer) Snapshot() int64 {
	return w.snapshot
}

// Len returns the number of staged changes.
func (w *Writer) Len() int {
	return len(w.changes)
}

func (w *Writer) stage(c change) {
	if i, ok := w.staged[c.key]; ok {
		w.changes[i] = c
		return
	}
	w.staged[c.key] = len(w.changes)
	w.changes = append(w.changes, c)
}

// Create stages a new document with a generated id and returns the id.
func (w *Writer) Create(ctx context.Context, typ string, value map[string]any) (string, error) {
	id := uuid.NewString()
	if err := w.Put(ctx, typ, id, value); err != nil {
		return "", err
	}
	return id, nil
}

// Put stages the given document content, replacing any existing content.
func (w *Writer) Put(ctx context.Context, typ, id string, value map[string]any) error {
	if err := validateID(id); err != nil {
		return err
	}
	node, err := w.repo.schema.Build(typ, value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	w.stage(change{key: docKey{Type: typ, ID: id}, node: node})
	return nil
}

// Patch stages the given patch operations applied to the current document content.
func (w *Writer) Patch(ctx context.Context, typ, id string, patch map[string]any) error {
	doc, err := w.Read(ctx, typ, id)
	if err != nil {
		return err
	}
	node, err := w.repo.schema.Patch(typ, doc.Node, patch)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	w.stage(change{key: docKey{Type: typ, ID: id}, node: node})
	return nil
}

// Remove stages the removal of the document.
func (w *Writer) Remove(ctx context.Context, typ, id string) error {
	if _, err := w.repo.schema.Type(typ); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if err := validateID(id); err != nil {
		return err
	}
	w.stage(change{key: docKey{Type: typ, ID: id}})
	return nil
}

// Read returns the document including staged changes.
func (w *Writer) Read(ctx context.Context, typ, id string) (*Document, error) {
	if i, ok := w.staged[docKey{Type: typ, ID: id}]; ok {
		c := w.changes[i]
		if c.node == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, typ, id)
		}
		return &Document{Type: typ, ID: id, Node: c.node}, nil
	}
	return w.repo.Read(ctx, Ref{Path: w.branch, Timestamp: w.snapshot}, typ, id)
}

// Commit applies all staged changes to the branch as one commit.
//
// Changes that would not alter the visible document are dropped, and ErrEmptyCommit
// is returned when no change remains.
func (w *Writer) Commit(ctx context.Context, author, comment string) (*Commit, error) {
	return w.repo.apply(ctx, &commitRequest{
		branch:   w.branch,
		snapshot: w.snapshot,
		author:   author,
		comment:  comment,
		kind:     KindCommit,
		changes:  w.changes,
	})
}

// Commit applies the given changes to the head of the branch with the given path as one commit.
func (r *Repository) Commit(ctx context.Context, path, author, comment string, changes ...Change) (*Commit, error) {
	w, err := r.Writer(ctx, path)
	if err != nil {
		return nil, err
	}
	for _, c := range changes {
		if c.Remove {
			err = w.Remove(ctx, c.Type, c.ID)
		} else {
			err = w.Put(ctx, c.Type, c.ID, c.Value)
		}
		if err != nil {
			return nil, err
		}
	}
	return w.Commit(ctx, author, comment)
}

type commitRequest struct {
	branch   string
	snapshot int64
	author   string
	comment  string
	kind     string
	source   string
	changes  []change
	// rebase is the parent timestamp the branch is moved onto.
	rebase int64
	// merged is the path of the child branch merged into the branch.
	merged string
	// mergedHead is the head of the merged child.
	mergedHead int64
}

type pendingChange struct {
	change
	open    *Revision
	content string
}

// apply is the single write path of the repository.
func (r *Repository) apply(ctx context.Context, req *commitRequest) (*Commit, error) {
	start := time.Now()
	paths := []string{req.branch}
	if req.merged != "" {
		paths = append(paths, req.merged)
	}
	unlock := r.lockCommits(paths...)
	defer unlock()

	b, err := r.live(req.branch)
	if err != nil {
		return nil, err
	}
	var child *Branch
	if req.merged != "" {
		child, err = r.live(req.merged)
		if err != nil {
			return nil, err
		}
	}

	var pending []pendingChange
	for _, c := range req.changes {
		set, err := r.loadRevisions(ctx, c.key.Type, c.key.ID)
		if err != nil {
			return nil, err
		}
		open := set.open(b)
		if open != nil && open.Created > req.snapshot {
			metrics.CommitFailures.WithLabelValues("concurrent_modification").Inc()
			return nil, fmt.Errorf("%w: %s changed on %s at %d", ErrConcurrentModification, c.key, b.Path, open.Created)
		}
		visible, err := set.resolve(r.view, b.Path, b.Head)
		if err != nil {
			return nil, err
		}
		var content string
		if c.node != nil {
			lnk, err := r.links.ComputeLink(c.node)
			if err != nil {
				return nil, err
			}
			content = lnk.String()
		}
		if (visible == nil && content == "") || (visible != nil && visible.Content == content) {
			continue
		}
		pending = append(pending, pendingChange{change: c, open: open, content: content})
	}
	rebasing := req.rebase > b.Base
	if len(pending) == 0 && !rebasing {
		return nil, ErrEmptyCommit
	}

	for _, p := range pending {
		if p.node == nil {
			continue
		}
		if _, err := r.links.Store(ctx, p.node); err != nil {
			metrics.CommitFailures.WithLabelValues("io").Inc()
			return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
		}
	}

	ts := r.clock.Tick()
	commit := &Commit{
		ID:        uuid.NewString(),
		Branch:    b.Path,
		Timestamp: ts,
		Author:    req.author,
		Comment:   req.comment,
		Kind:      req.kind,
		Source:    req.source,
		Affected:  make([]Affected, 0, len(pending)),
	}
	tx := r.index.Write()
	for _, p := range pending {
		if p.open != nil {
			closed := *p.open
			closed.Revised = ts
			if err := putRecord(tx, revisionKind, closed.key(), &closed); err != nil {
				return nil, err
			}
		}
		rev := &Revision{
			Type:    p.key.Type,
			ID:      p.key.ID,
			Branch:  b.Path,
			Created: ts,
			Revised: Current,
			Content: p.content,
			Commit:  commit.ID,
		}
		if err := putRecord(tx, revisionKind, rev.key(), rev); err != nil {
			return nil, err
		}
		commit.Affected = append(commit.Affected, Affected{Type: p.key.Type, ID: p.key.ID, Origin: p.origin})
	}
	key := commitKey(b.Path, ts)
	if err := putRecord(tx, commitKind, key, commit); err != nil {
		return nil, err
	}
	tx.Put(commitIDKind, commit.ID, []byte(key))

	head := b.clone()
	head.Head = ts
	if rebasing {
		head.Base = req.rebase
		head.Lineage = append(head.Lineage, LineagePoint{At: ts, Base: req.rebase})
	}
	if err := putRecord(tx, branchKind, head.Path, head); err != nil {
		return nil, err
	}
	if child != nil {
		child = child.clone()
		child.MergedAt = ts
		child.MergedHead = req.mergedHead
		if err := putRecord(tx, branchKind, child.Path, child); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		metrics.CommitFailures.WithLabelValues("io").Inc()
		r.log.ErrorCtx(ctx, "commit failed", "branch", b.Path, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	r.arena.Store(head.Path, head)
	if child != nil {
		r.arena.Store(child.Path, child)
	}

	metrics.CommitCount.WithLabelValues(req.kind).Inc()
	metrics.CommitSize.Observe(float64(len(commit.Affected)))
	metrics.CommitDuration.WithLabelValues(req.kind).Observe(time.Since(start).Seconds())
	r.log.DebugCtx(ctx, "commit applied", "branch", b.Path, "timestamp", ts, "kind", req.kind, "objects", len(commit.Affected))
	return commit, nil
}
