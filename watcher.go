package opcache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log/level"
)

var (
	// 定期反熵检查间隔
	consistencyInterval = time.Minute
	// 合并短时间内的多个文件事件（临时文件写入 + rename）
	reloadDebounce = 100 * time.Millisecond
)

// Watch 监听产物所在目录，产物被其他进程替换后重新加载。
// dir 是产物目录在操作系统上的路径。它是阻塞的，应在 goroutine 中运行。
func (t *FastTier) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher failed: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s failed: %w", dir, err)
	}
	name := filepath.Base(t.path)

	// 内部函数：检查产物与内存快照是否一致
	checkConsistency := func() {
		sum, ok, err := t.ArtifactChecksum()
		if err != nil {
			level.Warn(t.logger).Log("msg", "check consistency failed", "err", err)
			return
		}
		if !ok {
			sum = 0
		}
		if current := t.Checksum(); sum != current {
			level.Info(t.logger).Log("msg", "artifact checksum mismatch detected, reloading",
				"local", fmt.Sprintf("%016x", current), "artifact", fmt.Sprintf("%016x", sum))
			_ = t.Reload(ctx)
		}
	}

	// 1. 启动时立即检查一次（防止 NewFastTier 和 Watch 之间的 Gap 导致漏更）
	checkConsistency()

	ticker := time.NewTicker(consistencyInterval)
	defer ticker.Stop()

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			checkConsistency()

		case <-debounce.C:
			if err := t.Reload(ctx); err != nil && !errors.Is(err, context.Canceled) {
				level.Warn(t.logger).Log("msg", "reload after change failed", "err", err)
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			level.Warn(t.logger).Log("msg", "watch failed", "err", err)
			// 退避等待，防止死循环刷日志
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}
