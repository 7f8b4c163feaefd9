package opcache

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Warmers 依次运行多个预热器。
// 可选预热器的失败只记录日志，必需预热器的失败会立即返回。
type Warmers struct {
	warmers []CacheWarmer
	logger  log.Logger
}

// NewWarmers 创建预热器集合。
func NewWarmers(logger log.Logger, warmers ...CacheWarmer) *Warmers {
	return &Warmers{
		warmers: warmers,
		logger:  log.With(nopIfNil(logger), "component", "warmers"),
	}
}

// Add 追加一个预热器。
func (ws *Warmers) Add(w CacheWarmer) {
	ws.warmers = append(ws.warmers, w)
}

// WarmUp 按注册顺序运行所有预热器。
func (ws *Warmers) WarmUp(ctx context.Context, outputDir string) error {
	for i, w := range ws.warmers {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := w.WarmUp(ctx, outputDir)
		if err == nil {
			continue
		}
		if w.IsOptional() {
			level.Warn(ws.logger).Log("msg", "optional warmer failed, ignoring", "index", i, "err", err)
			continue
		}
		return fmt.Errorf("warmer %d failed: %w", i, err)
	}
	return nil
}

// IsOptional 只有全部预热器都可选时集合才可选。
func (ws *Warmers) IsOptional() bool {
	for _, w := range ws.warmers {
		if !w.IsOptional() {
			return false
		}
	}
	return true
}
