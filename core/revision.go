package core

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nasdf/branchdb/index"
)

const (
	branchKind   = "branch"
	revisionKind = "revision"
	commitKind   = "commit"
	commitIDKind = "commit_id"
	mergeKind    = "merge"
	metaKind     = "meta"

	// keySeparator separates the components of record ids.
	keySeparator = "\x1f"
)

// Current is the revised timestamp of a revision that has not been superseded.
const Current = math.MaxInt64

// Revision is one time bounded version of a single document on a single branch.
type Revision struct {
	Type   string
	ID     string
	Branch string
	// Created is the commit timestamp the revision became visible at.
	Created int64
	// Revised is the commit timestamp the revision stopped being visible at or Current.
	Revised int64
	// Content is the link of the document content or empty for a removal.
	Content string
	// Commit is the id of the commit that created the revision.
	Commit string
}

// IsOpen returns true if the revision has not been superseded.
func (r *Revision) IsOpen() bool {
	return r.Revised == Current
}

// IsTombstone returns true if the revision records a removal.
func (r *Revision) IsTombstone() bool {
	return r.Content == ""
}

// visibleAt returns true if the revision is visible at the given timestamp.
func (r *Revision) visibleAt(ts int64) bool {
	return r.Created <= ts && ts < r.Revised
}

func (r *Revision) key() string {
	return revisionKey(r.Type, r.ID, r.Branch, r.Created)
}

func revisionKey(typ, id, branch string, created int64) string {
	return strings.Join([]string{typ, id, branch, formatTimestamp(created)}, keySeparator)
}

func documentPrefix(typ, id string) string {
	return typ + keySeparator + id + keySeparator
}

func typePrefix(typ string) string {
	return typ + keySeparator
}

// formatTimestamp returns a fixed width encoding of the timestamp that sorts in numeric order.
func formatTimestamp(ts int64) string {
	return fmt.Sprintf("%016x", ts)
}

func parseTimestamp(s string) (int64, error) {
	ts, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, err
	}
	return int64(ts), nil
}

// docKey identifies a document across branches.
type docKey struct {
	Type string
	ID   string
}

func (k docKey) String() string {
	return k.Type + "/" + k.ID
}

func validateID(id string) error {
	if id == "" || strings.Contains(id, keySeparator) {
		return fmt.Errorf("%w: invalid document id %q", ErrInvalidDocument, id)
	}
	return nil
}

// branchView returns the branch record with the given path.
type branchView func(path string) (*Branch, bool)

// revisionSet holds the revisions of one document grouped by branch.
type revisionSet map[string][]*Revision

// loadRevisions returns all revisions of the given document across all branches.
func (r *Repository) loadRevisions(ctx context.Context, typ, id string) (revisionSet, error) {
	hits, err := r.index.Search(ctx, index.Query{Kind: revisionKind, Prefix: documentPrefix(typ, id)})
	if err != nil {
		return nil, err
	}
	set := make(revisionSet)
	for _, hit := range hits {
		var rev Revision
		if err := records.Unmarshal(hit.Data, &rev); err != nil {
			return nil, err
		}
		set[rev.Branch] = append(set[rev.Branch], &rev)
	}
	return set, nil
}

// loadTypeRevisions returns all revisions of all documents of the given type grouped by document id.
func (r *Repository) loadTypeRevisions(ctx context.Context, typ string) (map[string]revisionSet, error) {
	hits, err := r.index.Search(ctx, index.Query{Kind: revisionKind, Prefix: typePrefix(typ)})
	if err != nil {
		return nil, err
	}
	docs := make(map[string]revisionSet)
	for _, hit := range hits {
		var rev Revision
		if err := records.Unmarshal(hit.Data, &rev); err != nil {
			return nil, err
		}
		set, ok := docs[rev.ID]
		if !ok {
			set = make(revisionSet)
			docs[rev.ID] = set
		}
		set[rev.Branch] = append(set[rev.Branch], &rev)
	}
	return docs, nil
}

// own returns the revision of the current incarnation of the branch visible at the given timestamp.
func (s revisionSet) own(b *Branch, ts int64) *Revision {
	for _, rev := range s[b.Path] {
		if rev.Created > b.Created && rev.visibleAt(ts) {
			return rev
		}
	}
	return nil
}

// open returns the current revision on the branch or nil if there is none.
func (s revisionSet) open(b *Branch) *Revision {
	for _, rev := range s[b.Path] {
		if rev.Created > b.Created && rev.IsOpen() {
			return rev
		}
	}
	return nil
}

// resolve returns the revision visible on the branch at the given timestamp.
//
// The branch chain is walked from the given branch towards the root. The first revision
// found wins, and a tombstone hides anything an ancestor holds. Nil is returned when the
// document does not exist at that point.
func (s revisionSet) resolve(view branchView, path string, ts int64) (*Revision, error) {
	for path != "" {
		b, ok := view(path)
		if !ok {
			return nil, fmt.Errorf("%w: branch %s", ErrNotFound, path)
		}
		if rev := s.own(b, ts); rev != nil {
			if rev.IsTombstone() {
				return nil, nil
			}
			return rev, nil
		}
		ts = b.BaseAt(ts)
		path = b.Parent
	}
	return nil, nil
}
