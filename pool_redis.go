package opcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisPool 把 Redis Hash 适配为 Pool。
// 所有条目存放在 KeyItems() 这一个 Hash 中，Clear 即删除该 Hash。
type RedisPool struct {
	rdb     *redis.Client
	key     string
	mu      sync.Mutex
	pending map[string]Item
}

// NewRedisPool 创建 Redis 回退池。
// client: Redis 客户端实例（外部传入，DI）。
func NewRedisPool(client *redis.Client) *RedisPool {
	return &RedisPool{
		rdb:     client,
		key:     KeyItems(),
		pending: make(map[string]Item),
	}
}

func (p *RedisPool) GetItem(ctx context.Context, key string) (Item, error) {
	val, err := p.rdb.HGet(ctx, p.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return missItem(key), nil
	}
	if err != nil {
		return missItem(key), fmt.Errorf("get item %s failed: %w", key, err)
	}
	return hitItem(key, val), nil
}

func (p *RedisPool) GetItems(ctx context.Context, keys ...string) (map[string]Item, error) {
	if len(keys) == 0 {
		return map[string]Item{}, nil
	}

	// HMGet 一次取回所有 Key
	vals, err := p.rdb.HMGet(ctx, p.key, keys...).Result()
	if err != nil {
		return missItems(keys), fmt.Errorf("get items failed: %w", err)
	}

	items := make(map[string]Item, len(keys))
	for i, v := range vals {
		k := keys[i]
		switch s := v.(type) {
		case string:
			items[k] = hitItem(k, []byte(s))
		default:
			items[k] = missItem(k)
		}
	}
	return items, nil
}

func (p *RedisPool) HasItem(ctx context.Context, key string) (bool, error) {
	ok, err := p.rdb.HExists(ctx, p.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("has item %s failed: %w", key, err)
	}
	return ok, nil
}

func (p *RedisPool) Save(ctx context.Context, item Item) error {
	if err := p.rdb.HSet(ctx, p.key, item.Key, item.Value).Err(); err != nil {
		return fmt.Errorf("save item %s failed: %w", item.Key, err)
	}
	return nil
}

func (p *RedisPool) SaveDeferred(_ context.Context, item Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	item.Value = cloneBytes(item.Value)
	p.pending[item.Key] = item
	return nil
}

// Commit 在一个 MULTI/EXEC 管道中写入全部待提交条目。
func (p *RedisPool) Commit(ctx context.Context) error {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]Item)
	p.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	keys := sortedKeys(pending)
	pipe := p.rdb.TxPipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HSet(ctx, p.key, k, pending[k].Value)
	}

	_, execErr := pipe.Exec(ctx)

	failed := make(map[string]error)
	for i, cmd := range cmds {
		if err := cmd.Err(); err != nil {
			failed[keys[i]] = err
		}
	}
	if execErr != nil && len(failed) == 0 {
		// 管道整体失败（如连接错误），所有条目都视为失败
		for _, k := range keys {
			failed[k] = execErr
		}
	}
	return commitErrorOf(failed)
}

func (p *RedisPool) DeleteItem(ctx context.Context, key string) error {
	return p.DeleteItems(ctx, key)
}

func (p *RedisPool) DeleteItems(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	p.mu.Lock()
	for _, k := range keys {
		delete(p.pending, k)
	}
	p.mu.Unlock()

	if err := p.rdb.HDel(ctx, p.key, keys...).Err(); err != nil {
		return fmt.Errorf("delete items failed: %w", err)
	}
	return nil
}

func (p *RedisPool) Clear(ctx context.Context) error {
	p.mu.Lock()
	p.pending = make(map[string]Item)
	p.mu.Unlock()

	if err := p.rdb.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("clear failed: %w", err)
	}
	return nil
}
