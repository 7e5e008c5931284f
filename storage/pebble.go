package storage

import (
	"context"
	"errors"

	"github.com/cockroachdb/pebble"
)

// Pebble is a durable storage backed by a pebble database.
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens or creates a pebble database in the given directory.
func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Pebble{db: db}, nil
}

// Database returns the underlying pebble database.
func (p *Pebble) Database() *pebble.DB {
	return p.db
}

func (p *Pebble) Has(ctx context.Context, key string) (bool, error) {
	_, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}

func (p *Pebble) Get(ctx context.Context, key string) ([]byte, error) {
	content, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	val := make([]byte, len(content))
	copy(val, content)
	return val, nil
}

func (p *Pebble) Put(ctx context.Context, key string, content []byte) error {
	return p.db.Set([]byte(key), content, pebble.Sync)
}

func (p *Pebble) Delete(ctx context.Context, key string) error {
	return p.db.Delete([]byte(key), pebble.Sync)
}

func (p *Pebble) Iterate(ctx context.Context, lower, upper string, fn func(key string, value []byte) error) error {
	opts := &pebble.IterOptions{LowerBound: []byte(lower)}
	if upper != "" {
		opts.UpperBound = []byte(upper)
	}
	iter, err := p.db.NewIter(opts)
	if err != nil {
		return err
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		val := make([]byte, len(iter.Value()))
		copy(val, iter.Value())
		if err := fn(string(iter.Key()), val); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *Pebble) NewBatch() Batch {
	return &pebbleBatch{batch: p.db.NewBatch()}
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

type pebbleBatch struct {
	batch *pebble.Batch
}

func (b *pebbleBatch) Put(key string, value []byte) {
	// pebble batches only fail on closed batches
	_ = b.batch.Set([]byte(key), value, nil)
}

func (b *pebbleBatch) Delete(key string) {
	_ = b.batch.Delete([]byte(key), nil)
}

func (b *pebbleBatch) Len() int {
	return int(b.batch.Count())
}

func (b *pebbleBatch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer b.batch.Close()
	return b.batch.Commit(pebble.Sync)
}
