package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilbo-22/familist/pkg/model"
)

func openCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	c := openCache(t)

	_, err := c.LoadSnapshot(ctx)
	require.ErrorIs(t, err, ErrNoSnapshot)

	d := model.Dataset{
		Lists: []model.List{{ID: "L1", Name: "Groceries", CreatedAt: 3}},
		Items: []model.Item{{ID: "I1", ListID: "L1", Text: "Milk"}},
	}
	require.NoError(t, c.SaveSnapshot(ctx, d))
	got, err := c.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	require.NoError(t, c.SaveSnapshot(ctx, model.Dataset{}))
	got, err = c.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Dataset{}.Clone(), got)
}

func TestUpdateSnapshot(t *testing.T) {
	ctx := context.Background()
	c := openCache(t)

	require.NoError(t, c.UpdateSnapshot(ctx, func(d *model.Dataset) {
		d.Lists = append(d.Lists, model.List{ID: "L1"})
	}))
	require.NoError(t, c.UpdateSnapshot(ctx, func(d *model.Dataset) {
		d.PrependItem(model.Item{ID: "I1", ListID: "L1"})
	}))

	got, err := c.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Lists, 1)
	assert.Equal(t, []string{"I1"}, model.IDs(got.Items))
}

func TestOutbox(t *testing.T) {
	ctx := context.Background()
	c := openCache(t)

	require.NoError(t, c.Enqueue(ctx, Entry{Key: "k1", Method: "POST", Path: "/api/lists", Body: []byte(`{"id":"L1"}`)}))
	require.NoError(t, c.Enqueue(ctx, Entry{Key: "k2", Method: "DELETE", Path: "/api/items/I1"}))
	require.NoError(t, c.Enqueue(ctx, Entry{Key: "k1", Method: "POST", Path: "/api/other"}))

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "k1", pending[0].Key)
	assert.Equal(t, "/api/lists", pending[0].Path)
	assert.JSONEq(t, `{"id":"L1"}`, string(pending[0].Body))
	assert.Equal(t, "k2", pending[1].Key)
	assert.Less(t, pending[0].Seq, pending[1].Seq)
	assert.False(t, pending[0].CreatedAt.IsZero())

	require.NoError(t, c.Remove(ctx, pending[0].Seq))
	pending, err = c.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "k2", pending[0].Key)
}

func TestMeta(t *testing.T) {
	ctx := context.Background()
	c := openCache(t)

	_, ok, err := c.Meta(ctx, "token")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetMeta(ctx, "token", "yes"))
	v, ok, err := c.Meta(ctx, "token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "yes", v)

	require.NoError(t, c.DeleteMeta(ctx, "token"))
	_, ok, err = c.Meta(ctx, "token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReopenFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "cache.sqlite3")
	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Enqueue(ctx, Entry{Key: "k1", Method: "DELETE", Path: "/api/lists/L1"}))
	require.NoError(t, c.Close())

	c, err = Open(path)
	require.NoError(t, err)
	defer c.Close()
	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
