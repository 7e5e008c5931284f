package storage

import (
	"context"
	"errors"

	"github.com/ipld/go-ipld-prime/storage"
)

var ErrNotFound = errors.New("key not found")

// Storage is an ordered key value store.
//
// It satisfies the ipld storage interfaces so that it can back a LinkSystem directly.
type Storage interface {
	storage.ReadableStorage
	storage.WritableStorage

	// Delete removes the value stored under the given key.
	Delete(ctx context.Context, key string) error
	// Iterate calls fn for every key in the range [lower, upper) in ascending key order.
	//
	// An empty upper bound means the range is unbounded.
	Iterate(ctx context.Context, lower, upper string, fn func(key string, value []byte) error) error
	// NewBatch returns a batch that applies all of its writes atomically.
	NewBatch() Batch
	// Close releases any resources held by the storage.
	Close() error
}

// Batch is a set of writes that is applied as a single unit.
type Batch interface {
	Put(key string, value []byte)
	Delete(key string)
	// Len returns the number of writes in the batch.
	Len() int
	// Commit applies all writes in the batch. Either all of them become visible or none do.
	Commit(ctx context.Context) error
}

// PrefixUpper returns the exclusive upper bound for all keys that start with the given prefix.
func PrefixUpper(prefix string) string {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return string(end[:i+1])
		}
	}
	return ""
}

type op struct {
	key    string
	value  []byte
	delete bool
}

// ops is a helper used by batch implementations to record writes in order.
type ops []op

func (o *ops) put(key string, value []byte) {
	val := make([]byte, len(value))
	copy(val, value)
	*o = append(*o, op{key: key, value: val})
}

func (o *ops) del(key string) {
	*o = append(*o, op{key: key, delete: true})
}
