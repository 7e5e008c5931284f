package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/nasdf/branchdb/index"
)

// Commit kinds.
const (
	KindCommit = "commit"
	KindMerge  = "merge"
	KindRebase = "rebase"
)

// Affected is a document touched by a commit.
type Affected struct {
	Type string
	ID   string
	// Origin is the id of the source commit the change was merged from.
	Origin string
}

// Commit is an atomic, timestamped batch of revision changes applied to one branch.
type Commit struct {
	ID        string
	Branch    string
	Timestamp int64
	Author    string
	Comment   string
	Affected  []Affected
	Kind      string
	// Source is the path of the branch a merge or rebase was applied from.
	Source string
}

func commitKey(branch string, ts int64) string {
	return branch + keySeparator + formatTimestamp(ts)
}

func (r *Repository) loadCommit(ctx context.Context, key string) (*Commit, error) {
	data, err := r.index.Get(ctx, commitKind, key)
	if errors.Is(err, index.ErrNotFound) {
		return nil, fmt.Errorf("%w: commit %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	var commit Commit
	if err := records.Unmarshal(data, &commit); err != nil {
		return nil, err
	}
	return &commit, nil
}

// CommitByID returns the commit with the given id.
func (r *Repository) CommitByID(ctx context.Context, id string) (*Commit, error) {
	key, err := r.index.Get(ctx, commitIDKind, id)
	if errors.Is(err, index.ErrNotFound) {
		return nil, fmt.Errorf("%w: commit %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return r.loadCommit(ctx, string(key))
}

// Commits returns the commits made on the branch with timestamps in the range (from, to].
//
// A to of zero means the branch head. Commits are returned in timestamp order.
func (r *Repository) Commits(ctx context.Context, path string, from, to int64) ([]*Commit, error) {
	b, err := r.Branch(ctx, path)
	if err != nil {
		return nil, err
	}
	if to == 0 {
		to = b.Head
	}
	return r.commits(ctx, b, from, to)
}

// commits returns the commits of the current incarnation of the branch in the range (from, to].
func (r *Repository) commits(ctx context.Context, b *Branch, from, to int64) ([]*Commit, error) {
	from = max(from, b.Created)
	if to <= from {
		return nil, nil
	}
	hits, err := r.index.Search(ctx, index.Query{
		Kind:   commitKind,
		Prefix: b.Path + keySeparator,
		From:   formatTimestamp(from + 1),
		To:     formatTimestamp(to + 1),
	})
	if err != nil {
		return nil, err
	}
	commits := make([]*Commit, 0, len(hits))
	for _, hit := range hits {
		var commit Commit
		if err := records.Unmarshal(hit.Data, &commit); err != nil {
			return nil, err
		}
		commits = append(commits, &commit)
	}
	return commits, nil
}

// changedDocuments returns the documents whose visible revision on the branch may differ between
// the two timestamps. Changes the branch inherits through base moves are included.
func (r *Repository) changedDocuments(ctx context.Context, path string, from, to int64, out map[docKey]struct{}) error {
	for path != "" && from < to {
		b, ok := r.arena.Load(path)
		if !ok {
			return fmt.Errorf("%w: branch %s", ErrNotFound, path)
		}
		commits, err := r.commits(ctx, b, from, to)
		if err != nil {
			return err
		}
		for _, c := range commits {
			for _, a := range c.Affected {
				out[docKey{Type: a.Type, ID: a.ID}] = struct{}{}
			}
		}
		from, to = b.BaseAt(from), b.BaseAt(to)
		path = b.Parent
	}
	return nil
}

// touchedDocuments returns all documents the current incarnation of the branch changed up to the given timestamp.
func (r *Repository) touchedDocuments(ctx context.Context, b *Branch, to int64, out map[docKey]struct{}) error {
	commits, err := r.commits(ctx, b, b.Created, to)
	if err != nil {
		return err
	}
	for _, c := range commits {
		for _, a := range c.Affected {
			out[docKey{Type: a.Type, ID: a.ID}] = struct{}{}
		}
	}
	return nil
}
