package opcache

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// TieredCache 组合快速层与回退池，对外提供统一的 Pool 契约。
//
// 读取顺序: 快速层 -> 回退池 -> 未命中。
// 这是纯读路径的回退链，不是回写缓存：回退池命中的值不会写入快速层，
// 快速层在两次预热之间保持不变。读取永远不会返回错误，最坏情况是未命中。
type TieredCache struct {
	fast     *FastTier
	fallback Pool

	// 解码值缓存 (L2)，只缓存快速层的值，快照切换后清理
	// Key: memoKey, Value: T
	valueCache sync.Map
	valueSum   atomic.Uint64

	fastHits       atomic.Uint64
	fallbackHits   atomic.Uint64
	misses         atomic.Uint64
	fallbackErrors atomic.Uint64

	logger  log.Logger
	metrics *Metrics
}

var _ Pool = (*TieredCache)(nil)

// NewTieredCache 创建分层缓存。fallback 为 nil 时使用 NullPool。
func NewTieredCache(fast *FastTier, fallback Pool, opts ...Option) *TieredCache {
	o := buildOptions(opts)
	if fallback == nil {
		fallback = NullPool{}
	}
	return &TieredCache{
		fast:     fast,
		fallback: fallback,
		logger:   log.With(o.logger, "component", "tiered-cache"),
		metrics:  o.metrics,
	}
}

// Stats 是各层命中计数。
type Stats struct {
	FastHits       uint64
	FallbackHits   uint64
	Misses         uint64
	FallbackErrors uint64
}

// Stats 返回自创建以来的命中统计。
func (c *TieredCache) Stats() Stats {
	return Stats{
		FastHits:       c.fastHits.Load(),
		FallbackHits:   c.fallbackHits.Load(),
		Misses:         c.misses.Load(),
		FallbackErrors: c.fallbackErrors.Load(),
	}
}

func (c *TieredCache) countFast() {
	c.fastHits.Add(1)
	c.metrics.lookups.WithLabelValues(tierFast).Inc()
}

func (c *TieredCache) countFallback() {
	c.fallbackHits.Add(1)
	c.metrics.lookups.WithLabelValues(tierFallback).Inc()
}

func (c *TieredCache) countMiss() {
	c.misses.Add(1)
	c.metrics.lookups.WithLabelValues(tierMiss).Inc()
}

func (c *TieredCache) fallbackFailed(err error, keys ...string) {
	c.fallbackErrors.Add(1)
	c.metrics.fallbackErrors.Inc()
	level.Warn(c.logger).Log("msg", "fallback pool read failed, serving miss", "keys", strings.Join(keys, ","), "err", err)
}

// GetItem 读取单个 Key，错误永远为 nil。
func (c *TieredCache) GetItem(ctx context.Context, key string) (Item, error) {
	// 1. 快速层 (热路径，不访问回退池)
	if v, ok := c.fast.lookup(key); ok {
		c.countFast()
		return hitItem(key, cloneBytes(v)), nil
	}

	// 2. 回退池
	item, err := c.fallback.GetItem(ctx, key)
	if err != nil {
		c.fallbackFailed(err, key)
		c.countMiss()
		return missItem(key), nil
	}
	if item.Hit {
		c.countFallback()
		return item, nil
	}

	// 3. 都未命中
	c.countMiss()
	return missItem(key), nil
}

// GetItems 批量读取，返回的 map 包含每个请求的 Key。
func (c *TieredCache) GetItems(ctx context.Context, keys ...string) (map[string]Item, error) {
	items := make(map[string]Item, len(keys))
	var missing []string
	for _, k := range keys {
		if v, ok := c.fast.lookup(k); ok {
			c.countFast()
			items[k] = hitItem(k, cloneBytes(v))
		} else {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return items, nil
	}

	found, err := c.fallback.GetItems(ctx, missing...)
	if err != nil {
		c.fallbackFailed(err, missing...)
		found = nil
	}
	for _, k := range missing {
		if item, ok := found[k]; ok && item.Hit {
			c.countFallback()
			items[k] = item
			continue
		}
		c.countMiss()
		items[k] = missItem(k)
	}
	return items, nil
}

// HasItem 与 GetItem 使用同样的回退链，错误永远为 nil。
func (c *TieredCache) HasItem(ctx context.Context, key string) (bool, error) {
	if _, ok := c.fast.lookup(key); ok {
		return true, nil
	}
	ok, err := c.fallback.HasItem(ctx, key)
	if err != nil {
		c.fallbackFailed(err, key)
		return false, nil
	}
	return ok, nil
}

// Save 写入回退池。Key 存在于快速层时返回 ErrReadOnly。
func (c *TieredCache) Save(ctx context.Context, item Item) error {
	if _, ok := c.fast.lookup(item.Key); ok {
		return ErrReadOnly
	}
	return c.fallback.Save(ctx, item)
}

// SaveDeferred 与 Save 规则相同，写入回退池的待提交集合。
func (c *TieredCache) SaveDeferred(ctx context.Context, item Item) error {
	if _, ok := c.fast.lookup(item.Key); ok {
		return ErrReadOnly
	}
	return c.fallback.SaveDeferred(ctx, item)
}

func (c *TieredCache) Commit(ctx context.Context) error {
	return c.fallback.Commit(ctx)
}

func (c *TieredCache) DeleteItem(ctx context.Context, key string) error {
	return c.DeleteItems(ctx, key)
}

// DeleteItems 只要有一个 Key 属于快速层就整体拒绝，不做任何删除。
func (c *TieredCache) DeleteItems(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if _, ok := c.fast.lookup(k); ok {
			return ErrReadOnly
		}
	}
	return c.fallback.DeleteItems(ctx, keys...)
}

// Clear 只清空回退池，快速层只能由下一次预热替换。
func (c *TieredCache) Clear(ctx context.Context) error {
	return c.fallback.Clear(ctx)
}

// Get 获取并解码缓存值。两层都未命中时返回 ErrNotFound。
// 返回值归调用方所有：只有不含引用（map、slice、指针、接口）的类型才会复用解码结果。
func Get[T any](ctx context.Context, c *TieredCache, key string) (T, error) {
	var zero T

	// 1. 快速层 + 解码值缓存
	// 只读取一次快照指针，保证值与校验和来自同一代
	ss := c.fast.current.Load()
	if raw, ok := ss.get(key); ok {
		c.countFast()

		sum := ss.checksum
		c.gcValueCache(sum)

		typ := reflect.TypeOf((*T)(nil)).Elem()
		memo := isImmutable(typ)
		mk := memoKey{sum: sum, key: key, typ: typ}
		if memo {
			if cached, ok := c.valueCache.Load(mk); ok {
				return cached.(T), nil
			}
		}

		var val T
		if err := unmarshalValue(raw, &val); err != nil {
			return zero, fmt.Errorf("key %s: %w", key, err)
		}
		if memo {
			c.remember(ss, mk, val)
		}
		return val, nil
	}

	// 2. 回退池 (值可能随时变化，不缓存解码结果)
	item, err := c.fallback.GetItem(ctx, key)
	if err != nil {
		c.fallbackFailed(err, key)
		c.countMiss()
		return zero, ErrNotFound
	}
	if !item.Hit {
		c.countMiss()
		return zero, ErrNotFound
	}
	c.countFallback()

	var val T
	if err := item.Decode(&val); err != nil {
		return zero, fmt.Errorf("key %s: %w", key, err)
	}
	return val, nil
}

// memoKey 标识一个解码值：快照校验和 + Key + 目标类型。
type memoKey struct {
	sum uint64
	key string
	typ reflect.Type
}

// remember 缓存从快照 ss 解码出的值。
// 快照已经切换时不再写入，否则旧校验和的条目会在清理之后残留。
func (c *TieredCache) remember(ss *snapshot, mk memoKey, val any) {
	if c.fast.current.Load() != ss {
		return
	}
	c.valueCache.Store(mk, val)
}

// gcValueCache 在快照切换后移除旧快照的解码值，防止内存泄漏。
// 与切换并发的读取仍可能留下少量旧条目，它们在下一次切换时被清理。
func (c *TieredCache) gcValueCache(sum uint64) {
	old := c.valueSum.Load()
	if old == sum || !c.valueSum.CompareAndSwap(old, sum) {
		return
	}
	c.valueCache.Range(func(key, _ any) bool {
		if mk, ok := key.(memoKey); ok && mk.sum != sum {
			c.valueCache.Delete(key)
		}
		return true
	})
}

// immutableTypes 缓存 isImmutable 的结果 (reflect.Type -> bool)
var immutableTypes sync.Map

// isImmutable 报告 t 的值是否不含调用方可以修改的共享引用，这样的值才能在调用方之间复用。
func isImmutable(t reflect.Type) bool {
	if v, ok := immutableTypes.Load(t); ok {
		return v.(bool)
	}
	ok := immutableKind(t)
	immutableTypes.Store(t, ok)
	return ok
}

func immutableKind(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return immutableKind(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !immutableKind(t.Field(i).Type) {
				return false
			}
		}
		return true
	}
	return false
}
