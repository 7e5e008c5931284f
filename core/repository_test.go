package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nasdf/branchdb/lock"
	"github.com/nasdf/branchdb/logging"
	"github.com/nasdf/branchdb/schema"
	"github.com/nasdf/branchdb/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
type Module {
	name: String!
	version: String
	owner: ID @container
	tags: [String!]
	steps: [String!] @ordered
	config: Config
}

type Config {
	term: String
	path: String
}`

func newTestRepository(t *testing.T, store storage.Storage, opts ...func(*Options)) *Repository {
	if store == nil {
		store = storage.NewMemory()
	}
	options := Options{Clock: NewLamportClock(), Logger: logging.Discard()}
	for _, opt := range opts {
		opt(&options)
	}
	r, err := Open(context.Background(), store, schema.MustLoad(testSchema), options)
	require.NoError(t, err)
	return r
}

func put(id string, value map[string]any) Change {
	return Change{Type: "Module", ID: id, Value: value}
}

func remove(id string) Change {
	return Change{Type: "Module", ID: id, Remove: true}
}

func readValue(t *testing.T, r *Repository, ref Ref, id string) map[string]any {
	doc, err := r.Read(context.Background(), ref, "Module", id)
	require.NoError(t, err)
	value, err := doc.Value()
	require.NoError(t, err)
	return value
}

func TestOpenCreatesRoot(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	root, err := r.Branch(ctx, RootBranch)
	require.NoError(t, err)
	assert.True(t, root.IsRoot())
	assert.Equal(t, StateActive, root.State)
	assert.Equal(t, int64(0), root.Head)

	branches, err := r.Branches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 1)
}

func TestCreateBranch(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	c, err := r.Commit(ctx, RootBranch, "alice", "init", put("m1", map[string]any{"name": "core"}))
	require.NoError(t, err)

	b, err := r.CreateBranch(ctx, RootBranch, "dev", "alice")
	require.NoError(t, err)
	assert.Equal(t, "MAIN/dev", b.Path)
	assert.Equal(t, RootBranch, b.Parent)
	assert.Equal(t, "dev", b.Name())
	assert.Equal(t, c.Timestamp, b.Base)
	assert.Equal(t, c.Timestamp, b.Head)
	assert.Greater(t, b.Created, c.Timestamp)
	assert.Equal(t, StateActive, b.State)

	_, err = r.CreateBranch(ctx, RootBranch, "dev", "alice")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	for _, name := range []string{"", "a/b", "a@b"} {
		_, err = r.CreateBranch(ctx, RootBranch, name, "alice")
		assert.ErrorIs(t, err, ErrInvalidBranch, name)
	}

	_, err = r.CreateBranch(ctx, "MAIN/missing", "feature", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.CreateBranch(ctx, "MAIN/dev", "feature", "alice")
	require.NoError(t, err)

	children, err := r.Children(ctx, RootBranch)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "MAIN/dev", children[0].Path)

	branches, err := r.Branches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 3)
	assert.Equal(t, []string{"MAIN", "MAIN/dev", "MAIN/dev/feature"}, []string{branches[0].Path, branches[1].Path, branches[2].Path})
}

func TestBranchIsolation(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	_, err := r.Commit(ctx, RootBranch, "alice", "init", put("m1", map[string]any{"name": "core", "version": "1"}))
	require.NoError(t, err)

	_, err = r.CreateBranch(ctx, RootBranch, "dev", "alice")
	require.NoError(t, err)

	_, err = r.Commit(ctx, "MAIN/dev", "alice", "bump", put("m1", map[string]any{"name": "core", "version": "2"}))
	require.NoError(t, err)

	assert.Equal(t, "1", readValue(t, r, HeadRef(RootBranch), "m1")["version"])
	assert.Equal(t, "2", readValue(t, r, HeadRef("MAIN/dev"), "m1")["version"])

	_, err = r.Commit(ctx, RootBranch, "bob", "add", put("m2", map[string]any{"name": "util"}))
	require.NoError(t, err)

	_, err = r.Read(ctx, HeadRef("MAIN/dev"), "Module", "m2")
	assert.ErrorIs(t, err, ErrNotFound)

	dev, err := r.Branch(ctx, "MAIN/dev")
	require.NoError(t, err)
	assert.Equal(t, StateStale, dev.State)
}

func TestReadAtTimestamp(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	c1, err := r.Commit(ctx, RootBranch, "alice", "v1", put("m1", map[string]any{"name": "core", "version": "1"}))
	require.NoError(t, err)
	c2, err := r.Commit(ctx, RootBranch, "alice", "v2", put("m1", map[string]any{"name": "core", "version": "2"}))
	require.NoError(t, err)

	assert.Equal(t, "1", readValue(t, r, Ref{Path: RootBranch, Timestamp: c1.Timestamp}, "m1")["version"])
	assert.Equal(t, "2", readValue(t, r, Ref{Path: RootBranch, Timestamp: c2.Timestamp}, "m1")["version"])
	assert.Equal(t, "2", readValue(t, r, HeadRef(RootBranch), "m1")["version"])
	assert.Equal(t, "2", readValue(t, r, Ref{Path: RootBranch, Timestamp: c2.Timestamp + 100}, "m1")["version"])

	ref, err := ParseRef("MAIN@1")
	require.NoError(t, err)
	assert.Equal(t, Ref{Path: RootBranch, Timestamp: 1}, ref)
	assert.Equal(t, "MAIN@1", ref.String())

	_, err = ParseRef("MAIN@x")
	assert.ErrorIs(t, err, ErrInvalidBranch)
	_, err = ParseRef("OTHER/dev")
	assert.ErrorIs(t, err, ErrInvalidBranch)

	_, err = r.Read(ctx, HeadRef(RootBranch), "Missing", "m1")
	assert.ErrorIs(t, err, ErrInvalidDocument)
	_, err = r.Read(ctx, HeadRef("MAIN/none"), "Module", "m1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadAll(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	_, err := r.Commit(ctx, RootBranch, "alice", "init",
		put("m3", map[string]any{"name": "c"}),
		put("m1", map[string]any{"name": "a"}),
		put("m2", map[string]any{"name": "b"}),
	)
	require.NoError(t, err)
	_, err = r.Commit(ctx, RootBranch, "alice", "remove", remove("m2"))
	require.NoError(t, err)

	docs, err := r.ReadAll(ctx, HeadRef(RootBranch), "Module")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "m1", docs[0].ID)
	assert.Equal(t, "m3", docs[1].ID)

	docs, err = r.ReadAll(ctx, Ref{Path: RootBranch, Timestamp: 1}, "Module")
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestDeleteBranch(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	_, err := r.CreateBranch(ctx, RootBranch, "dev", "alice")
	require.NoError(t, err)
	_, err = r.CreateBranch(ctx, "MAIN/dev", "feature", "alice")
	require.NoError(t, err)
	_, err = r.Commit(ctx, "MAIN/dev", "alice", "add", put("m9", map[string]any{"name": "old"}))
	require.NoError(t, err)

	err = r.DeleteBranch(ctx, RootBranch, "alice")
	assert.ErrorIs(t, err, ErrInvalidBranch)

	require.NoError(t, r.DeleteBranch(ctx, "MAIN/dev", "alice"))

	_, err = r.Branch(ctx, "MAIN/dev")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Branch(ctx, "MAIN/dev/feature")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Commit(ctx, "MAIN/dev", "alice", "add", put("m1", map[string]any{"name": "x"}))
	assert.ErrorIs(t, err, ErrNotFound)

	err = r.DeleteBranch(ctx, "MAIN/dev", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	// a recreated branch does not see the revisions of the deleted one
	_, err = r.CreateBranch(ctx, RootBranch, "dev", "alice")
	require.NoError(t, err)
	_, err = r.Read(ctx, HeadRef("MAIN/dev"), "Module", "m9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	r := newTestRepository(t, store)

	c, err := r.Commit(ctx, RootBranch, "alice", "init", put("m1", map[string]any{"name": "core"}))
	require.NoError(t, err)
	_, err = r.CreateBranch(ctx, RootBranch, "dev", "alice")
	require.NoError(t, err)

	reopened, err := Open(ctx, store, nil, Options{Clock: NewLamportClock(), Logger: logging.Discard()})
	require.NoError(t, err)
	assert.Equal(t, testSchema, reopened.Schema().Source())

	assert.Equal(t, "core", readValue(t, reopened, HeadRef("MAIN/dev"), "m1")["name"])

	next, err := reopened.Commit(ctx, RootBranch, "alice", "next", put("m2", map[string]any{"name": "util"}))
	require.NoError(t, err)
	assert.Greater(t, next.Timestamp, c.Timestamp)

	dev, err := reopened.Branch(ctx, "MAIN/dev")
	require.NoError(t, err)
	assert.Less(t, dev.Created, next.Timestamp)
}

func TestOpenWithoutSchema(t *testing.T) {
	_, err := Open(context.Background(), storage.NewMemory(), nil, Options{Logger: logging.Discard()})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLockTimeout(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil, func(o *Options) {
		o.Locker = lock.NewTable(20 * time.Millisecond)
	})

	owner := lock.Owner{User: "bob", Description: "maintenance"}
	require.NoError(t, r.Locker().Acquire(ctx, owner, "MAIN/dev"))

	_, err := r.CreateBranch(ctx, RootBranch, "dev", "alice")
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.ErrorContains(t, err, "bob")

	require.NoError(t, r.Locker().Release(owner, "MAIN/dev"))

	_, err = r.CreateBranch(ctx, RootBranch, "dev", "alice")
	require.NoError(t, err)
	assert.Empty(t, r.Locker().Holders())
}

type faultyStorage struct {
	storage.Storage
	fail atomic.Bool
}

func (s *faultyStorage) NewBatch() storage.Batch {
	return &faultyBatch{Batch: s.Storage.NewBatch(), fail: &s.fail}
}

type faultyBatch struct {
	storage.Batch
	fail *atomic.Bool
}

func (b *faultyBatch) Commit(ctx context.Context) error {
	if b.fail.Load() {
		return errors.New("disk full")
	}
	return b.Batch.Commit(ctx)
}

func TestCommitIOFailure(t *testing.T) {
	ctx := context.Background()
	store := &faultyStorage{Storage: storage.NewMemory()}
	r := newTestRepository(t, store)

	c, err := r.Commit(ctx, RootBranch, "alice", "init", put("m1", map[string]any{"name": "core", "version": "1"}))
	require.NoError(t, err)

	store.fail.Store(true)
	_, err = r.Commit(ctx, RootBranch, "alice", "bump", put("m1", map[string]any{"name": "core", "version": "2"}))
	assert.ErrorIs(t, err, ErrIOFailure)

	root, err := r.Branch(ctx, RootBranch)
	require.NoError(t, err)
	assert.Equal(t, c.Timestamp, root.Head)
	assert.Equal(t, "1", readValue(t, r, HeadRef(RootBranch), "m1")["version"])

	_, err = r.CreateBranch(ctx, RootBranch, "dev", "alice")
	assert.ErrorIs(t, err, ErrIOFailure)
	_, err = r.Branch(ctx, "MAIN/dev")
	assert.ErrorIs(t, err, ErrNotFound)

	store.fail.Store(false)
	_, err = r.Commit(ctx, RootBranch, "alice", "bump", put("m1", map[string]any{"name": "core", "version": "2"}))
	require.NoError(t, err)
	assert.Equal(t, "2", readValue(t, r, HeadRef(RootBranch), "m1")["version"])
}

type hookStorage struct {
	storage.Storage
	hook atomic.Pointer[func()]
}

func (s *hookStorage) NewBatch() storage.Batch {
	return &hookBatch{Batch: s.Storage.NewBatch(), hook: &s.hook}
}

type hookBatch struct {
	storage.Batch
	hook *atomic.Pointer[func()]
}

func (b *hookBatch) Commit(ctx context.Context) error {
	if fn := b.hook.Swap(nil); fn != nil {
		(*fn)()
	}
	return b.Batch.Commit(ctx)
}

func TestDeleteBranchDuringCreate(t *testing.T) {
	ctx := context.Background()
	store := &hookStorage{Storage: storage.NewMemory()}
	r := newTestRepository(t, store)

	_, err := r.CreateBranch(ctx, RootBranch, "a", "alice")
	require.NoError(t, err)
	_, err = r.CreateBranch(ctx, "MAIN/a", "x", "alice")
	require.NoError(t, err)

	deleted := make(chan error, 1)
	hook := func() {
		go func() {
			deleted <- r.DeleteBranch(ctx, "MAIN/a", "bob")
		}()
		// the delete must wait for the create to finish
		select {
		case err := <-deleted:
			deleted <- err
		case <-time.After(50 * time.Millisecond):
		}
	}
	store.hook.Store(&hook)

	_, err = r.CreateBranch(ctx, "MAIN/a/x", "y", "alice")
	require.NoError(t, err)
	require.NoError(t, <-deleted)

	for _, path := range []string{"MAIN/a", "MAIN/a/x", "MAIN/a/x/y"} {
		_, err = r.Branch(ctx, path)
		assert.ErrorIs(t, err, ErrNotFound, path)
	}
	branches, err := r.Branches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, RootBranch, branches[0].Path)
}

func TestCreateBranchUnderDeletedAncestor(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil, func(o *Options) {
		o.Locker = lock.NewTable(20 * time.Millisecond)
	})

	_, err := r.CreateBranch(ctx, RootBranch, "a", "alice")
	require.NoError(t, err)
	_, err = r.CreateBranch(ctx, "MAIN/a", "x", "alice")
	require.NoError(t, err)

	owner := lock.Owner{User: "bob", Description: "delete MAIN/a"}
	require.NoError(t, r.Locker().Acquire(ctx, owner, "MAIN/a"))
	_, err = r.CreateBranch(ctx, "MAIN/a/x", "y", "alice")
	assert.ErrorIs(t, err, ErrLockTimeout)
	require.NoError(t, r.Locker().Release(owner, "MAIN/a"))

	require.NoError(t, r.DeleteBranch(ctx, "MAIN/a", "bob"))
	_, err = r.CreateBranch(ctx, "MAIN/a/x", "y", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteBranchDropsCommitLocks(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	_, err := r.CreateBranch(ctx, RootBranch, "dev", "alice")
	require.NoError(t, err)
	_, err = r.CreateBranch(ctx, "MAIN/dev", "feature", "alice")
	require.NoError(t, err)
	_, err = r.Commit(ctx, "MAIN/dev/feature", "alice", "add", put("m1", map[string]any{"name": "core"}))
	require.NoError(t, err)
	_, ok := r.commitLocks.Load("MAIN/dev/feature")
	require.True(t, ok)

	require.NoError(t, r.DeleteBranch(ctx, "MAIN/dev", "alice"))
	for _, path := range []string{"MAIN/dev", "MAIN/dev/feature"} {
		_, ok := r.commitLocks.Load(path)
		assert.False(t, ok, path)
	}

	// a recreated branch gets a fresh mutex
	_, err = r.CreateBranch(ctx, RootBranch, "dev", "alice")
	require.NoError(t, err)
	_, err = r.Commit(ctx, "MAIN/dev", "alice", "add", put("m2", map[string]any{"name": "util"}))
	require.NoError(t, err)
	_, ok = r.commitLocks.Load("MAIN/dev")
	assert.True(t, ok)
}
