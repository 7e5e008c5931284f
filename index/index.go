// Package index is the document store boundary used by the revision engine.
//
// Records are grouped into kinds and addressed by id. All writes go through a Tx that is
// applied atomically, and searches return records of one kind in id order.
package index

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nasdf/branchdb/storage"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrIOFailure = errors.New("index write failed")
)

// kindSeparator separates the kind from the id in storage keys.
const kindSeparator = ":"

var errStop = errors.New("stop iteration")

// Hit is a single record returned from a search.
type Hit struct {
	Kind string
	ID   string
	Data []byte
}

// Query selects records of one kind.
type Query struct {
	// Kind is the kind of records to search.
	Kind string
	// Prefix restricts results to ids starting with this value.
	Prefix string
	// From is the inclusive lower bound appended to the prefix.
	From string
	// To is the exclusive upper bound appended to the prefix.
	To string
	// Limit is the maximum number of hits returned when greater than zero.
	Limit int
}

// Index is the capability the revision engine uses to read and write records.
type Index interface {
	// Get returns the record with the given kind and id.
	Get(ctx context.Context, kind, id string) ([]byte, error)
	// Search returns all records matching the query in id order.
	Search(ctx context.Context, query Query) ([]Hit, error)
	// Write returns a new transaction.
	Write() Tx
}

// Tx is a set of record changes applied atomically.
type Tx interface {
	Put(kind, id string, data []byte)
	Remove(kind, id string)
	// Len returns the number of staged changes.
	Len() int
	// Commit applies all staged changes or none of them.
	Commit(ctx context.Context) error
}

// Store is an Index backed by an ordered key value storage.
type Store struct {
	storage storage.Storage
}

// NewStore returns an Index that keeps its records in the given storage.
func NewStore(storage storage.Storage) *Store {
	return &Store{storage: storage}
}

func key(kind, id string) string {
	return kind + kindSeparator + id
}

func (s *Store) Get(ctx context.Context, kind, id string) ([]byte, error) {
	data, err := s.storage.Get(ctx, key(kind, id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return data, err
}

func (s *Store) Search(ctx context.Context, query Query) ([]Hit, error) {
	prefix := key(query.Kind, query.Prefix)
	lower := prefix + query.From
	upper := storage.PrefixUpper(prefix)
	if query.To != "" {
		upper = prefix + query.To
	}
	var hits []Hit
	err := s.storage.Iterate(ctx, lower, upper, func(k string, value []byte) error {
		hits = append(hits, Hit{
			Kind: query.Kind,
			ID:   strings.TrimPrefix(k, query.Kind+kindSeparator),
			Data: value,
		})
		if query.Limit > 0 && len(hits) >= query.Limit {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return hits, nil
}

func (s *Store) Write() Tx {
	return &tx{batch: s.storage.NewBatch()}
}

type tx struct {
	batch storage.Batch
}

func (t *tx) Put(kind, id string, data []byte) {
	t.batch.Put(key(kind, id), data)
}

func (t *tx) Remove(kind, id string) {
	t.batch.Delete(key(kind, id))
}

func (t *tx) Len() int {
	return t.batch.Len()
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.batch.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return nil
}
