package core

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterCommit(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	w, err := r.Writer(ctx, RootBranch)
	require.NoError(t, err)
	assert.Equal(t, RootBranch, w.Branch())
	assert.Equal(t, int64(0), w.Snapshot())

	id, err := w.Create(ctx, "Module", map[string]any{"name": "core"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, w.Put(ctx, "Module", "m2", map[string]any{"name": "util", "tags": []string{"a", "b"}}))
	require.NoError(t, w.Put(ctx, "Module", "m2", map[string]any{"name": "util", "tags": []string{"b"}}))
	assert.Equal(t, 2, w.Len())

	staged, err := w.Read(ctx, "Module", "m2")
	require.NoError(t, err)
	value, err := staged.Value()
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, value["tags"])

	_, err = r.Read(ctx, HeadRef(RootBranch), "Module", "m2")
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := w.Commit(ctx, "alice", "init")
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, RootBranch, c.Branch)
	assert.Equal(t, "alice", c.Author)
	assert.Equal(t, "init", c.Comment)
	assert.Equal(t, KindCommit, c.Kind)
	assert.Len(t, c.Affected, 2)

	doc, err := r.Read(ctx, HeadRef(RootBranch), "Module", id)
	require.NoError(t, err)
	assert.Equal(t, c.ID, doc.Revision.Commit)
	assert.Equal(t, c.Timestamp, doc.Revision.Created)
	assert.True(t, doc.Revision.IsOpen())

	root, err := r.Branch(ctx, RootBranch)
	require.NoError(t, err)
	assert.Equal(t, c.Timestamp, root.Head)
}

func TestWriterPatch(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	_, err := r.Commit(ctx, RootBranch, "alice", "init", put("m1", map[string]any{
		"name":    "core",
		"version": "1",
		"tags":    []string{"a"},
		"config":  map[string]any{"term": "x"},
	}))
	require.NoError(t, err)

	w, err := r.Writer(ctx, RootBranch)
	require.NoError(t, err)
	err = w.Patch(ctx, "Module", "m1", map[string]any{
		"version": map[string]any{"set": "2"},
		"tags":    map[string]any{"append": "b"},
		"config":  map[string]any{"path": map[string]any{"set": "/a"}},
	})
	require.NoError(t, err)
	_, err = w.Commit(ctx, "alice", "patch")
	require.NoError(t, err)

	value := readValue(t, r, HeadRef(RootBranch), "m1")
	assert.Equal(t, "2", value["version"])
	assert.Equal(t, []any{"a", "b"}, value["tags"])
	assert.Equal(t, map[string]any{"term": "x", "path": "/a"}, value["config"])

	err = w.Patch(ctx, "Module", "missing", map[string]any{"version": map[string]any{"set": "2"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriterInvalidDocument(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	w, err := r.Writer(ctx, RootBranch)
	require.NoError(t, err)

	err = w.Put(ctx, "Module", "m1", map[string]any{"version": "1"})
	assert.ErrorIs(t, err, ErrInvalidDocument)

	err = w.Put(ctx, "Module", "m1", map[string]any{"name": "core", "unknown": true})
	assert.ErrorIs(t, err, ErrInvalidDocument)

	err = w.Put(ctx, "Missing", "m1", map[string]any{"name": "core"})
	assert.ErrorIs(t, err, ErrInvalidDocument)

	err = w.Put(ctx, "Module", "", map[string]any{"name": "core"})
	assert.ErrorIs(t, err, ErrInvalidDocument)

	err = w.Remove(ctx, "Missing", "m1")
	assert.ErrorIs(t, err, ErrInvalidDocument)

	_, err = r.Writer(ctx, "MAIN/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEmptyCommit(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	c, err := r.Commit(ctx, RootBranch, "alice", "init", put("m1", map[string]any{"name": "core"}))
	require.NoError(t, err)

	_, err = r.Commit(ctx, RootBranch, "alice", "again", put("m1", map[string]any{"name": "core"}))
	assert.ErrorIs(t, err, ErrEmptyCommit)

	_, err = r.Commit(ctx, RootBranch, "alice", "remove", remove("missing"))
	assert.ErrorIs(t, err, ErrEmptyCommit)

	_, err = r.Commit(ctx, RootBranch, "alice", "nothing")
	assert.ErrorIs(t, err, ErrEmptyCommit)

	root, err := r.Branch(ctx, RootBranch)
	require.NoError(t, err)
	assert.Equal(t, c.Timestamp, root.Head)
	assert.Equal(t, c.Timestamp, r.Clock().Value())

	// unchanged documents are dropped from a commit that changes others
	c, err = r.Commit(ctx, RootBranch, "alice", "mixed",
		put("m1", map[string]any{"name": "core"}),
		put("m2", map[string]any{"name": "util"}),
	)
	require.NoError(t, err)
	require.Len(t, c.Affected, 1)
	assert.Equal(t, "m2", c.Affected[0].ID)
}

func TestConcurrentModification(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	w1, err := r.Writer(ctx, RootBranch)
	require.NoError(t, err)
	w2, err := r.Writer(ctx, RootBranch)
	require.NoError(t, err)

	require.NoError(t, w1.Put(ctx, "Module", "m1", map[string]any{"name": "first"}))
	require.NoError(t, w2.Put(ctx, "Module", "m1", map[string]any{"name": "second"}))

	_, err = w1.Commit(ctx, "alice", "first")
	require.NoError(t, err)

	_, err = w2.Commit(ctx, "bob", "second")
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, "first", readValue(t, r, HeadRef(RootBranch), "m1")["name"])

	// writers touching other documents are not affected
	w3, err := r.Writer(ctx, RootBranch)
	require.NoError(t, err)
	w4, err := r.Writer(ctx, RootBranch)
	require.NoError(t, err)
	require.NoError(t, w3.Put(ctx, "Module", "m2", map[string]any{"name": "util"}))
	require.NoError(t, w4.Put(ctx, "Module", "m3", map[string]any{"name": "tools"}))
	_, err = w3.Commit(ctx, "alice", "m2")
	require.NoError(t, err)
	_, err = w4.Commit(ctx, "bob", "m3")
	require.NoError(t, err)
}

func TestRemoveAndRecreate(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	c1, err := r.Commit(ctx, RootBranch, "alice", "init", put("m1", map[string]any{"name": "core"}))
	require.NoError(t, err)
	c2, err := r.Commit(ctx, RootBranch, "alice", "remove", remove("m1"))
	require.NoError(t, err)

	_, err = r.Read(ctx, HeadRef(RootBranch), "Module", "m1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "core", readValue(t, r, Ref{Path: RootBranch, Timestamp: c1.Timestamp}, "m1")["name"])

	_, err = r.Commit(ctx, RootBranch, "alice", "recreate", put("m1", map[string]any{"name": "core2"}))
	require.NoError(t, err)
	assert.Equal(t, "core2", readValue(t, r, HeadRef(RootBranch), "m1")["name"])

	_, err = r.Read(ctx, Ref{Path: RootBranch, Timestamp: c2.Timestamp}, "Module", "m1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveOnBranchHidesParent(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	_, err := r.Commit(ctx, RootBranch, "alice", "init", put("m1", map[string]any{"name": "core"}))
	require.NoError(t, err)
	_, err = r.CreateBranch(ctx, RootBranch, "dev", "alice")
	require.NoError(t, err)
	_, err = r.Commit(ctx, "MAIN/dev", "alice", "remove", remove("m1"))
	require.NoError(t, err)

	_, err = r.Read(ctx, HeadRef("MAIN/dev"), "Module", "m1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "core", readValue(t, r, HeadRef(RootBranch), "m1")["name"])
}

func TestConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("m%d", i)
			_, err := r.Commit(ctx, RootBranch, "alice", id, put(id, map[string]any{"name": id}))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	commits, err := r.Commits(ctx, RootBranch, 0, 0)
	require.NoError(t, err)
	require.Len(t, commits, 16)
	for i := 1; i < len(commits); i++ {
		assert.Less(t, commits[i-1].Timestamp, commits[i].Timestamp)
	}

	docs, err := r.ReadAll(ctx, HeadRef(RootBranch), "Module")
	require.NoError(t, err)
	assert.Len(t, docs, 16)
}

func TestCommits(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	c1, err := r.Commit(ctx, RootBranch, "alice", "one", put("m1", map[string]any{"name": "one"}))
	require.NoError(t, err)
	c2, err := r.Commit(ctx, RootBranch, "alice", "two", put("m2", map[string]any{"name": "two"}))
	require.NoError(t, err)

	commits, err := r.Commits(ctx, RootBranch, c1.Timestamp, 0)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, c2.ID, commits[0].ID)

	commits, err = r.Commits(ctx, RootBranch, 0, c1.Timestamp)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, c1.ID, commits[0].ID)

	found, err := r.CommitByID(ctx, c2.ID)
	require.NoError(t, err)
	assert.Equal(t, c2, found)

	_, err = r.CommitByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
