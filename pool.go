package opcache

import "context"

// Pool 是通用的缓存池契约（回退层）。
// 预热器和 TieredCache 只依赖这个接口，不依赖具体存储技术；
// 不符合契约的第三方存储需要通过适配器包装（见 RedisPool、SQLitePool）。
type Pool interface {
	// GetItem 返回 Key 对应的条目，不存在时 Hit 为 false。
	GetItem(ctx context.Context, key string) (Item, error)

	// GetItems 返回的 map 一定包含所有请求的 Key，缺失的 Key 对应未命中条目。
	GetItems(ctx context.Context, keys ...string) (map[string]Item, error)

	HasItem(ctx context.Context, key string) (bool, error)

	// Save 立即写入。
	Save(ctx context.Context, item Item) error

	// SaveDeferred 只写入待提交集合，直到 Commit。
	SaveDeferred(ctx context.Context, item Item) error

	// Commit 将待提交集合作为一批写入。
	// 部分失败时返回 *CommitError，其中列出失败的 Key。
	Commit(ctx context.Context) error

	DeleteItem(ctx context.Context, key string) error
	DeleteItems(ctx context.Context, keys ...string) error

	// Clear 清空所有条目以及待提交集合。
	Clear(ctx context.Context) error
}

// missItems 为每个 Key 构造未命中条目。
func missItems(keys []string) map[string]Item {
	items := make(map[string]Item, len(keys))
	for _, k := range keys {
		items[k] = missItem(k)
	}
	return items
}
