package opcache

import (
	"context"
	"sync"
)

// RebuildingFastTier 允许对快速层做增量写入：
// 每次写入都复制当前快照、合并修改，再整体调用 Store 重新发布，已发布的快照从不原地修改。
// 适用于测试和极少量的离线修补，正常路径应使用 Warmer。
type RebuildingFastTier struct {
	*FastTier

	mu      sync.Mutex
	pending map[string]Item
}

var _ Pool = (*RebuildingFastTier)(nil)

// NewRebuildingFastTier 包装一个 FastTier。
func NewRebuildingFastTier(t *FastTier) *RebuildingFastTier {
	return &RebuildingFastTier{
		FastTier: t,
		pending:  make(map[string]Item),
	}
}

func (r *RebuildingFastTier) rebuild(ctx context.Context, mutate func(values map[string][]byte)) error {
	values := r.FastTier.Values()
	mutate(values)
	return r.FastTier.Store(ctx, values)
}

func (r *RebuildingFastTier) Save(ctx context.Context, item Item) error {
	return r.rebuild(ctx, func(values map[string][]byte) {
		values[item.Key] = item.Value
	})
}

func (r *RebuildingFastTier) SaveDeferred(_ context.Context, item Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item.Value = cloneBytes(item.Value)
	r.pending[item.Key] = item
	return nil
}

func (r *RebuildingFastTier) Commit(ctx context.Context) error {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]Item)
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return r.rebuild(ctx, func(values map[string][]byte) {
		for k, item := range pending {
			values[k] = item.Value
		}
	})
}

func (r *RebuildingFastTier) DeleteItem(ctx context.Context, key string) error {
	return r.DeleteItems(ctx, key)
}

func (r *RebuildingFastTier) DeleteItems(ctx context.Context, keys ...string) error {
	r.mu.Lock()
	for _, k := range keys {
		delete(r.pending, k)
	}
	r.mu.Unlock()

	return r.rebuild(ctx, func(values map[string][]byte) {
		for _, k := range keys {
			delete(values, k)
		}
	})
}

func (r *RebuildingFastTier) Clear(ctx context.Context) error {
	r.mu.Lock()
	r.pending = make(map[string]Item)
	r.mu.Unlock()
	return r.FastTier.Store(ctx, map[string][]byte{})
}
