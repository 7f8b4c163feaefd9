package opcache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPoolContract 对任意 Pool 实现验证同一套契约。
func testPoolContract(t *testing.T, newPool func(t *testing.T) Pool) {
	t.Run("get and save", func(t *testing.T) {
		ctx := context.Background()
		p := newPool(t)

		item, err := p.GetItem(ctx, "A")
		require.NoError(t, err)
		assert.False(t, item.IsHit())

		require.NoError(t, p.Save(ctx, hitItem("A", []byte(`{"table":"a"}`))))
		item, err = p.GetItem(ctx, "A")
		require.NoError(t, err)
		assert.True(t, item.IsHit())
		assert.Equal(t, `{"table":"a"}`, string(item.Value))

		ok, err := p.HasItem(ctx, "A")
		require.NoError(t, err)
		assert.True(t, ok)

		// 覆盖写入
		require.NoError(t, p.Save(ctx, hitItem("A", []byte(`1`))))
		item, _ = p.GetItem(ctx, "A")
		assert.Equal(t, "1", string(item.Value))

		// 读到的值是副本
		item.Value[0] = '9'
		items, err := p.GetItems(ctx, "A")
		require.NoError(t, err)
		items["A"].Value[0] = '9'
		item, _ = p.GetItem(ctx, "A")
		assert.Equal(t, "1", string(item.Value))
	})

	t.Run("get items returns every key", func(t *testing.T) {
		ctx := context.Background()
		p := newPool(t)
		require.NoError(t, p.Save(ctx, hitItem("A", []byte("1"))))
		require.NoError(t, p.Save(ctx, hitItem("C", []byte("3"))))

		items, err := p.GetItems(ctx, "A", "B", "C")
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "1", string(items["A"].Value))
		assert.False(t, items["B"].Hit)
		assert.Equal(t, "B", items["B"].Key)
		assert.Equal(t, "3", string(items["C"].Value))

		items, err = p.GetItems(ctx)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("deferred writes", func(t *testing.T) {
		ctx := context.Background()
		p := newPool(t)

		require.NoError(t, p.SaveDeferred(ctx, hitItem("A", []byte("1"))))
		require.NoError(t, p.SaveDeferred(ctx, hitItem("B", []byte("2"))))
		ok, err := p.HasItem(ctx, "A")
		require.NoError(t, err)
		assert.False(t, ok, "deferred item visible before commit")

		require.NoError(t, p.Commit(ctx))
		items, err := p.GetItems(ctx, "A", "B")
		require.NoError(t, err)
		assert.True(t, items["A"].Hit)
		assert.True(t, items["B"].Hit)

		// 空提交
		require.NoError(t, p.Commit(ctx))
	})

	t.Run("delete and clear", func(t *testing.T) {
		ctx := context.Background()
		p := newPool(t)
		for _, k := range []string{"A", "B", "C"} {
			require.NoError(t, p.Save(ctx, hitItem(k, []byte(k))))
		}

		require.NoError(t, p.DeleteItem(ctx, "A"))
		require.NoError(t, p.DeleteItems(ctx, "B", "missing"))
		items, err := p.GetItems(ctx, "A", "B", "C")
		require.NoError(t, err)
		assert.False(t, items["A"].Hit)
		assert.False(t, items["B"].Hit)
		assert.True(t, items["C"].Hit)

		// Clear 同时丢弃待提交集合
		require.NoError(t, p.SaveDeferred(ctx, hitItem("D", []byte("d"))))
		require.NoError(t, p.Clear(ctx))
		require.NoError(t, p.Commit(ctx))
		items, err = p.GetItems(ctx, "C", "D")
		require.NoError(t, err)
		assert.False(t, items["C"].Hit)
		assert.False(t, items["D"].Hit)
	})
}

func TestMemoryPool(t *testing.T) {
	testPoolContract(t, func(*testing.T) Pool {
		return NewMemoryPool()
	})
}

func TestRedisPool(t *testing.T) {
	testPoolContract(t, func(t *testing.T) Pool {
		mr := miniredis.RunT(t)
		return NewRedisPool(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	})
}

func TestSQLitePool(t *testing.T) {
	testPoolContract(t, func(t *testing.T) Pool {
		p, err := OpenSQLitePool(context.Background(), filepath.Join(t.TempDir(), "opcache.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Close() })
		return p
	})
}

func TestNullPool(t *testing.T) {
	ctx := context.Background()
	var p Pool = NullPool{}

	require.NoError(t, p.Save(ctx, hitItem("A", []byte("1"))))
	require.NoError(t, p.SaveDeferred(ctx, hitItem("B", []byte("2"))))
	require.NoError(t, p.Commit(ctx))

	item, err := p.GetItem(ctx, "A")
	require.NoError(t, err)
	assert.False(t, item.IsHit())
	items, err := p.GetItems(ctx, "A", "B")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	ok, err := p.HasItem(ctx, "A")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, p.DeleteItems(ctx, "A"))
	assert.NoError(t, p.Clear(ctx))
}

func TestRedisPool_KeyLayout(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	// 确保干净的状态
	SetPrefix("testpool")
	defer SetPrefix(DefaultPrefix)

	p := NewRedisPool(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	require.NoError(t, p.SaveDeferred(ctx, hitItem("App.Entity.User", []byte(`{"table":"users"}`))))
	require.NoError(t, p.Commit(ctx))

	assert.Equal(t, "testpool:items", KeyItems())
	assert.Equal(t, `{"table":"users"}`, mr.HGet("testpool:items", "App.Entity.User"))
}

func TestRedisPool_CommitFailure(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	p := NewRedisPool(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))

	require.NoError(t, p.SaveDeferred(ctx, hitItem("A", []byte("1"))))
	require.NoError(t, p.SaveDeferred(ctx, hitItem("B", []byte("2"))))
	mr.Close()

	err := p.Commit(ctx)
	var cerr *CommitError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{"A", "B"}, cerr.Keys())
}

func TestRedisPool_MirrorWarmUp(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	pool := NewRedisPool(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	require.NoError(t, pool.Save(ctx, hitItem("stale", []byte("0"))))

	fast := newTestFastTier(t, nil)
	res := &stubResolver{values: map[string]any{"A": 1, "B": 2}}
	w := NewWarmer(WarmerConfig{}, fast, pool, SliceEnumerator{"A", "B"}, res)
	require.NoError(t, w.WarmUp(ctx, t.TempDir()))

	// Redis 中的条目与快照完全一致
	fields, err := redis.NewClient(&redis.Options{Addr: mr.Addr()}).HGetAll(ctx, KeyItems()).Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, fields)
}
