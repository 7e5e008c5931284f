package link

import (
	"context"
	"testing"

	"github.com/nasdf/branchdb/storage"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAndLoad(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(storage.NewMemory(), 0)
	require.NoError(t, err)

	node, err := qp.BuildMap(basicnode.Prototype.Map, 2, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "term", qp.String("Heart"))
		qp.MapEntry(ma, "nested", qp.Map(1, func(ma datamodel.MapAssembler) {
			qp.MapEntry(ma, "active", qp.Bool(true))
		}))
	})
	require.NoError(t, err)

	lnk, err := store.Store(ctx, node)
	require.NoError(t, err)

	computed, err := store.ComputeLink(node)
	require.NoError(t, err)
	assert.Equal(t, lnk.String(), computed.String())

	loaded, err := store.LoadString(ctx, lnk.String())
	require.NoError(t, err)
	assert.True(t, datamodel.DeepEqual(node, loaded))

	// loads are served from the cache
	cached, err := store.Load(ctx, lnk)
	require.NoError(t, err)
	assert.Same(t, loaded, cached)
}

func TestLoadBypassesCache(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()

	writer, err := NewStore(backend, 0)
	require.NoError(t, err)

	lnk, err := writer.Store(ctx, basicnode.NewString("value"))
	require.NoError(t, err)

	reader, err := NewStore(backend, 0)
	require.NoError(t, err)

	node, err := reader.Load(ctx, lnk)
	require.NoError(t, err)

	value, err := node.AsString()
	require.NoError(t, err)
	assert.Equal(t, "value", value)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not a cid")
	assert.Error(t, err)
}
