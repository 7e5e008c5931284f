package storage

import (
	"bytes"
	"context"
	"io"
	"slices"
	"sync"
)

type memory struct {
	lock   sync.RWMutex
	values map[string][]byte
}

func NewMemory() Storage {
	return &memory{
		values: make(map[string][]byte),
	}
}

func (m *memory) Has(ctx context.Context, key string) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	_, ok := m.values[key]
	return ok, nil
}

func (m *memory) Put(ctx context.Context, key string, content []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	val := make([]byte, len(content))
	copy(val, content)
	m.values[key] = val
	return nil
}

func (m *memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	content, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	val := make([]byte, len(content))
	copy(val, content)
	return val, nil
}

func (m *memory) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	content, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *memory) Delete(ctx context.Context, key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.values, key)
	return nil
}

func (m *memory) Iterate(ctx context.Context, lower, upper string, fn func(key string, value []byte) error) error {
	m.lock.RLock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		if k >= lower && (upper == "" || k < upper) {
			keys = append(keys, k)
		}
	}
	values := make([][]byte, len(keys))
	slices.Sort(keys)
	for i, k := range keys {
		values[i] = m.values[k]
	}
	m.lock.RUnlock()

	for i, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		val := make([]byte, len(values[i]))
		copy(val, values[i])
		if err := fn(k, val); err != nil {
			return err
		}
	}
	return nil
}

func (m *memory) NewBatch() Batch {
	return &memoryBatch{memory: m}
}

func (m *memory) Close() error {
	return nil
}

type memoryBatch struct {
	memory *memory
	ops    ops
}

func (b *memoryBatch) Put(key string, value []byte) {
	b.ops.put(key, value)
}

func (b *memoryBatch) Delete(key string) {
	b.ops.del(key)
}

func (b *memoryBatch) Len() int {
	return len(b.ops)
}

func (b *memoryBatch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.memory.lock.Lock()
	defer b.memory.lock.Unlock()

	for _, o := range b.ops {
		if o.delete {
			delete(b.memory.values, o.key)
		} else {
			b.memory.values[o.key] = o.value
		}
	}
	b.ops = nil
	return nil
}
