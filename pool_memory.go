package opcache

import (
	"context"
	"sync"
)

// MemoryPool 是进程内的 Pool 实现。
type MemoryPool struct {
	mu      sync.RWMutex
	values  map[string][]byte
	pending map[string]Item
}

// NewMemoryPool 创建空的内存池。
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{
		values:  make(map[string][]byte),
		pending: make(map[string]Item),
	}
}

func (p *MemoryPool) GetItem(_ context.Context, key string) (Item, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.values[key]; ok {
		return hitItem(key, cloneBytes(v)), nil
	}
	return missItem(key), nil
}

func (p *MemoryPool) GetItems(_ context.Context, keys ...string) (map[string]Item, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	items := make(map[string]Item, len(keys))
	for _, k := range keys {
		if v, ok := p.values[k]; ok {
			items[k] = hitItem(k, cloneBytes(v))
		} else {
			items[k] = missItem(k)
		}
	}
	return items, nil
}

func (p *MemoryPool) HasItem(_ context.Context, key string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.values[key]
	return ok, nil
}

func (p *MemoryPool) Save(_ context.Context, item Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[item.Key] = cloneBytes(item.Value)
	return nil
}

func (p *MemoryPool) SaveDeferred(_ context.Context, item Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	item.Value = cloneBytes(item.Value)
	p.pending[item.Key] = item
	return nil
}

func (p *MemoryPool) Commit(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, item := range p.pending {
		p.values[k] = item.Value
	}
	p.pending = make(map[string]Item)
	return nil
}

func (p *MemoryPool) DeleteItem(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, key)
	delete(p.pending, key)
	return nil
}

func (p *MemoryPool) DeleteItems(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		_ = p.DeleteItem(ctx, k)
	}
	return nil
}

func (p *MemoryPool) Clear(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = make(map[string][]byte)
	p.pending = make(map[string]Item)
	return nil
}

// Values 返回当前已提交内容的副本。
func (p *MemoryPool) Values() map[string][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string][]byte, len(p.values))
	for k, v := range p.values {
		out[k] = cloneBytes(v)
	}
	return out
}

// NullPool 不存储任何内容：读取全部未命中，写入总是成功。
type NullPool struct{}

func (NullPool) GetItem(_ context.Context, key string) (Item, error) {
	return missItem(key), nil
}

func (NullPool) GetItems(_ context.Context, keys ...string) (map[string]Item, error) {
	return missItems(keys), nil
}

func (NullPool) HasItem(context.Context, string) (bool, error) {
	return false, nil
}

func (NullPool) Save(context.Context, Item) error {
	return nil
}

func (NullPool) SaveDeferred(context.Context, Item) error {
	return nil
}

func (NullPool) Commit(context.Context) error {
	return nil
}

func (NullPool) DeleteItem(context.Context, string) error {
	return nil
}

func (NullPool) DeleteItems(context.Context, ...string) error {
	return nil
}

func (NullPool) Clear(context.Context) error {
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
