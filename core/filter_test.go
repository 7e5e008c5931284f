package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t, nil)

	_, err := r.Commit(ctx, RootBranch, "alice", "init",
		put("m1", map[string]any{"name": "core", "version": "1", "tags": []string{"a", "b"}, "config": map[string]any{"term": "x"}}),
		put("m2", map[string]any{"name": "util", "version": "2", "tags": []string{"b"}}),
		put("m3", map[string]any{"name": "tools", "version": "3", "config": map[string]any{"term": "y"}}),
	)
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter map[string]any
		ids    []string
	}{
		{"all", nil, []string{"m1", "m2", "m3"}},
		{"eq", map[string]any{"name": map[string]any{"eq": "util"}}, []string{"m2"}},
		{"neq", map[string]any{"name": map[string]any{"neq": "util"}}, []string{"m1", "m3"}},
		{"gt", map[string]any{"version": map[string]any{"gt": "1"}}, []string{"m2", "m3"}},
		{"lte", map[string]any{"version": map[string]any{"lte": "2"}}, []string{"m1", "m2"}},
		{"in", map[string]any{"name": map[string]any{"in": []any{"core", "tools"}}}, []string{"m1", "m3"}},
		{"nin", map[string]any{"name": map[string]any{"nin": []any{"core", "tools"}}}, []string{"m2"}},
		{"nested path", map[string]any{"config/term": map[string]any{"eq": "y"}}, []string{"m3"}},
		{"nested object", map[string]any{"config": map[string]any{"term": map[string]any{"eq": "x"}}}, []string{"m1"}},
		{"nested object not", map[string]any{"not": map[string]any{"config": map[string]any{"term": map[string]any{"eq": "x"}}}}, []string{"m2", "m3"}},
		{"missing field", map[string]any{"config/term": map[string]any{"eq": nil}}, []string{"m2"}},
		{"any", map[string]any{"tags": map[string]any{"any": map[string]any{"eq": "a"}}}, []string{"m1"}},
		{"all", map[string]any{"tags": map[string]any{"all": map[string]any{"eq": "b"}}}, []string{"m2"}},
		{"none", map[string]any{"tags": map[string]any{"none": map[string]any{"eq": "a"}}}, []string{"m2", "m3"}},
		{"and", map[string]any{"and": []any{
			map[string]any{"version": map[string]any{"gte": "2"}},
			map[string]any{"name": map[string]any{"eq": "tools"}},
		}}, []string{"m3"}},
		{"or", map[string]any{"or": []any{
			map[string]any{"name": map[string]any{"eq": "core"}},
			map[string]any{"name": map[string]any{"eq": "tools"}},
		}}, []string{"m1", "m3"}},
		{"not", map[string]any{"not": map[string]any{"name": map[string]any{"eq": "core"}}}, []string{"m2", "m3"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			docs, err := r.Search(ctx, HeadRef(RootBranch), "Module", test.filter)
			require.NoError(t, err)
			var ids []string
			for _, d := range docs {
				ids = append(ids, d.ID)
			}
			assert.Equal(t, test.ids, ids)
		})
	}

	_, err = r.Search(ctx, HeadRef(RootBranch), "Module", map[string]any{"name": map[string]any{"like": "c"}})
	assert.Error(t, err)
}

func TestFilterNumbers(t *testing.T) {
	cmp, ok, err := filterCompare(nil, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, cmp)

	v, ok := number(int32(4))
	assert.True(t, ok)
	assert.Equal(t, float64(4), v)

	_, ok = number("4")
	assert.False(t, ok)
}
