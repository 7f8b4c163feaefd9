package opcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"
)

const testArtifact = "cache/opcache.bin"

// newTestFastTier 创建基于 memfs 的快速层，并发布 values。
func newTestFastTier(t testing.TB, values map[string]any) *FastTier {
	t.Helper()
	fast := NewFastTier(memfs.New(), testArtifact)
	if values != nil {
		require.NoError(t, fast.Store(context.Background(), encodeAll(t, values)))
	}
	return fast
}

func encodeAll(t testing.TB, values map[string]any) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte, len(values))
	for k, v := range values {
		data, err := marshalValue(v)
		require.NoError(t, err)
		out[k] = data
	}
	return out
}

func mustEncode(t testing.TB, v any) []byte {
	t.Helper()
	data, err := marshalValue(v)
	require.NoError(t, err)
	return data
}

// countingPool 记录读操作次数。
type countingPool struct {
	Pool
	reads atomic.Int64
}

func (p *countingPool) GetItem(ctx context.Context, key string) (Item, error) {
	p.reads.Add(1)
	return p.Pool.GetItem(ctx, key)
}

func (p *countingPool) GetItems(ctx context.Context, keys ...string) (map[string]Item, error) {
	p.reads.Add(1)
	return p.Pool.GetItems(ctx, keys...)
}

func (p *countingPool) HasItem(ctx context.Context, key string) (bool, error) {
	p.reads.Add(1)
	return p.Pool.HasItem(ctx, key)
}

// brokenPool 的所有读操作都失败。
type brokenPool struct {
	NullPool
}

var errPoolDown = errors.New("pool is down")

func (brokenPool) GetItem(context.Context, string) (Item, error) {
	return Item{}, errPoolDown
}

func (brokenPool) GetItems(context.Context, ...string) (map[string]Item, error) {
	return nil, errPoolDown
}

func (brokenPool) HasItem(context.Context, string) (bool, error) {
	return false, errPoolDown
}

// flakyPool 在前 failFirst 次提交时整体失败，并且 poison 永远写不进去。
type flakyPool struct {
	*MemoryPool

	failFirst int
	poison    string

	mu      sync.Mutex
	commits int
}

func newFlakyPool(failFirst int, poison string) *flakyPool {
	return &flakyPool{MemoryPool: NewMemoryPool(), failFirst: failFirst, poison: poison}
}

func (p *flakyPool) Commit(ctx context.Context) error {
	p.mu.Lock()
	p.commits++
	n := p.commits
	p.mu.Unlock()

	if n <= p.failFirst {
		return &CommitError{Failed: map[string]error{"*": errors.New("connection reset")}}
	}
	if err := p.MemoryPool.Commit(ctx); err != nil {
		return err
	}
	if p.poison == "" {
		return nil
	}
	if ok, _ := p.MemoryPool.HasItem(ctx, p.poison); !ok {
		return nil
	}
	_ = p.MemoryPool.DeleteItem(ctx, p.poison)
	return &CommitError{Failed: map[string]error{p.poison: errors.New("value too large")}}
}

func (p *flakyPool) Commits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commits
}

// renameFailFS 模拟 rename 失败（磁盘满、跨设备等）。
type renameFailFS struct {
	billy.Filesystem
}

func (renameFailFS) Rename(string, string) error {
	return errors.New("no space left on device")
}

// slowClearPool 在 Clear 中阻塞，直到 release 被关闭。
type slowClearPool struct {
	Pool
	entered chan struct{}
	release chan struct{}
}

func newSlowClearPool(p Pool) *slowClearPool {
	return &slowClearPool{
		Pool:    p,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (p *slowClearPool) Clear(ctx context.Context) error {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-p.release
	return p.Pool.Clear(ctx)
}
