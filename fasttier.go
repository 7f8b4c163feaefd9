package opcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// FastTier 是只读的快速层：一次加载整个产物，读取时无锁。
// 只有 Store 能替换内容，并且总是整体替换。
type FastTier struct {
	fs      billy.Filesystem // nil 表示仅内存
	path    string
	current atomic.Pointer[snapshot]

	mu      sync.Mutex // 单写者：Store / Reload
	loadErr error

	// 预热临界区：Store + 镜像到回退池。共享同一快速层的预热器互斥
	warming sync.Mutex

	logger  log.Logger
	metrics *Metrics
}

var _ Pool = (*FastTier)(nil)

// NewFastTier 创建快速层并立即加载 path 处的产物。
// 产物不存在时为空快照；产物损坏时同样为空快照（fail closed），错误可通过 LoadError 获取。
func NewFastTier(fs billy.Filesystem, path string, opts ...Option) *FastTier {
	o := buildOptions(opts)
	t := &FastTier{
		fs:      fs,
		path:    path,
		logger:  log.With(o.logger, "component", "fast-tier"),
		metrics: o.metrics,
	}
	t.publish(emptySnapshot)

	if fs == nil {
		return t
	}

	ss, err := t.readArtifact()
	if err != nil {
		// 损坏的产物绝不能被读取，宁可全部回退
		level.Error(t.logger).Log("msg", "failed to load artifact, serving empty snapshot", "path", path, "err", err)
		t.loadErr = err
		return t
	}
	t.publish(ss)
	level.Info(t.logger).Log("msg", "artifact loaded", "path", path, "keys", len(ss.values))
	return t
}

// LoadError 返回构造时加载产物的错误（若有）。
func (t *FastTier) LoadError() error {
	return t.loadErr
}

// Path 返回产物路径。
func (t *FastTier) Path() string {
	return t.path
}

// Store 原子地替换整个快照。
// 先把产物写入同目录的临时文件，再 rename 覆盖，最后切换内存指针；
// 任何一步失败都返回 ErrPublishFailed，旧快照与旧产物保持不变。
func (t *FastTier) Store(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	frozen := make(map[string][]byte, len(values))
	for k, v := range values {
		frozen[k] = cloneBytes(v)
	}

	data, sum, err := encodeArtifact(frozen)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fs != nil {
		if err := t.writeArtifact(data); err != nil {
			level.Error(t.logger).Log("msg", "failed to write artifact", "path", t.path, "err", err)
			return fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}
	}

	t.publish(&snapshot{values: frozen, checksum: sum})
	t.metrics.snapshotBytes.Set(float64(len(data)))
	level.Info(t.logger).Log("msg", "snapshot published", "keys", len(frozen), "size", humanize.Bytes(uint64(len(data))))
	return nil
}

// Reload 重新读取产物（由 Watch 调用）。
// 产物损坏时继续提供当前快照并返回错误；产物被删除时切换为空快照。
func (t *FastTier) Reload(_ context.Context) error {
	if t.fs == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ss, err := t.readArtifact()
	if err != nil {
		level.Warn(t.logger).Log("msg", "reload failed, keeping current snapshot", "path", t.path, "err", err)
		return err
	}
	if ss.checksum == t.current.Load().checksum {
		return nil
	}
	t.publish(ss)
	level.Info(t.logger).Log("msg", "artifact reloaded", "path", t.path, "keys", len(ss.values))
	return nil
}

func (t *FastTier) publish(ss *snapshot) {
	t.current.Store(ss)
	t.metrics.snapshotKeys.Set(float64(len(ss.values)))
}

func (t *FastTier) readArtifact() (*snapshot, error) {
	data, err := util.ReadFile(t.fs, t.path)
	if errors.Is(err, os.ErrNotExist) {
		return emptySnapshot, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact failed: %w", err)
	}
	return decodeArtifact(data)
}

// ArtifactChecksum 只读取产物头部的校验和。产物不存在时 ok 为 false。
func (t *FastTier) ArtifactChecksum() (sum uint64, ok bool, err error) {
	if t.fs == nil {
		return 0, false, nil
	}
	data, err := util.ReadFile(t.fs, t.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	sum, ok = artifactChecksum(data)
	if !ok {
		return 0, false, ErrCorruptArtifact
	}
	return sum, true, nil
}

func (t *FastTier) writeArtifact(data []byte) (err error) {
	dir := filepath.Dir(t.path)
	if err := t.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact directory failed: %w", err)
	}

	tmp, err := t.fs.TempFile(dir, ".opcache-")
	if err != nil {
		return fmt.Errorf("create temp file failed: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = t.fs.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file failed: %w", err)
	}
	if s, ok := tmp.(interface{ Sync() error }); ok {
		if err = s.Sync(); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("sync temp file failed: %w", err)
		}
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file failed: %w", err)
	}
	if err = t.fs.Rename(tmpName, t.path); err != nil {
		return fmt.Errorf("rename artifact failed: %w", err)
	}
	return nil
}

// Checksum 返回当前快照的校验和，空快照为 0。
func (t *FastTier) Checksum() uint64 {
	return t.current.Load().checksum
}

// Len 返回当前快照的条目数。
func (t *FastTier) Len() int {
	return len(t.current.Load().values)
}

// Keys 返回当前快照的所有 Key（有序）。
func (t *FastTier) Keys() []string {
	return sortedKeys(t.current.Load().values)
}

// Values 返回当前快照的拷贝。
func (t *FastTier) Values() map[string][]byte {
	ss := t.current.Load()
	out := make(map[string][]byte, len(ss.values))
	for k, v := range ss.values {
		out[k] = cloneBytes(v)
	}
	return out
}

// lookup 是热路径：一次原子读 + 一次 map 查找。
func (t *FastTier) lookup(key string) ([]byte, bool) {
	return t.current.Load().get(key)
}

// GetItem 返回的 Value 是副本，修改它不会影响快照。
func (t *FastTier) GetItem(_ context.Context, key string) (Item, error) {
	if v, ok := t.lookup(key); ok {
		return hitItem(key, cloneBytes(v)), nil
	}
	return missItem(key), nil
}

func (t *FastTier) GetItems(_ context.Context, keys ...string) (map[string]Item, error) {
	ss := t.current.Load()
	items := make(map[string]Item, len(keys))
	for _, k := range keys {
		if v, ok := ss.get(k); ok {
			items[k] = hitItem(k, cloneBytes(v))
		} else {
			items[k] = missItem(k)
		}
	}
	return items, nil
}

func (t *FastTier) HasItem(_ context.Context, key string) (bool, error) {
	_, ok := t.lookup(key)
	return ok, nil
}

// 快速层只读，以下写操作均不做任何修改并返回 ErrReadOnly。

func (t *FastTier) Save(context.Context, Item) error {
	return ErrReadOnly
}

func (t *FastTier) SaveDeferred(context.Context, Item) error {
	return ErrReadOnly
}

func (t *FastTier) Commit(context.Context) error {
	return ErrReadOnly
}

func (t *FastTier) DeleteItem(context.Context, string) error {
	return ErrReadOnly
}

func (t *FastTier) DeleteItems(context.Context, ...string) error {
	return ErrReadOnly
}

func (t *FastTier) Clear(context.Context) error {
	return ErrReadOnly
}
