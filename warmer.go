package opcache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CacheWarmer 是可被宿主统一调度的预热任务。
type CacheWarmer interface {
	WarmUp(ctx context.Context, outputDir string) error
	// IsOptional 为 true 时，失败不应阻止宿主继续运行。
	IsOptional() bool
}

// State 是预热器的状态。
type State int32

const (
	StateIdle State = iota
	StateEnumerating
	StateResolving
	StatePublishing
	StateFailed // 非终态，下一次 WarmUp 会重新开始
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnumerating:
		return "enumerating"
	case StateResolving:
		return "resolving"
	case StatePublishing:
		return "publishing"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Report 描述一次预热的结果。
type Report struct {
	RunID    string
	Duration time.Duration

	Candidates int  // 枚举到的候选数
	Included   int  // 通过过滤的实体数
	Resolved   int  // 全部维度都解析成功的实体数
	Keys       int  // 发布的 Key 数
	Empty      bool // 没有候选，发布了空快照

	// ContentHash 只取决于发布的 Key 与值，与产物格式无关
	ContentHash uint64
	// Resolutions 是实际调用 ValueResolver.Resolve 的次数（去重后）
	Resolutions int64

	Failures []*ResolutionError
}

// Warmer 编排 枚举 -> 过滤 -> 解析 -> 发布。
type Warmer struct {
	cfg      WarmerConfig
	fast     *FastTier
	pool     Pool
	enum     KeyEnumerator
	resolver ValueResolver

	state atomic.Int32
	last  atomic.Pointer[Report]

	logger  log.Logger
	metrics *Metrics
}

var _ CacheWarmer = (*Warmer)(nil)

// NewWarmer 创建预热器。
// pool 为 nil 时不镜像到回退池。
func NewWarmer(cfg WarmerConfig, fast *FastTier, pool Pool, enum KeyEnumerator, resolver ValueResolver, opts ...Option) *Warmer {
	o := buildOptions(opts)
	if pool == nil {
		pool = NullPool{}
	}
	cfg.applyDefaults()
	return &Warmer{
		cfg:      cfg,
		fast:     fast,
		pool:     pool,
		enum:     enum,
		resolver: resolver,
		logger:   log.With(o.logger, "component", "warmer"),
		metrics:  o.metrics,
	}
}

// IsOptional 预热总是可选的。
func (w *Warmer) IsOptional() bool {
	return true
}

// State 返回当前状态，可并发调用。
func (w *Warmer) State() State {
	return State(w.state.Load())
}

func (w *Warmer) setState(s State) {
	w.state.Store(int32(s))
}

// LastReport 返回最近一次预热的报告，从未运行时为 nil。
func (w *Warmer) LastReport() *Report {
	return w.last.Load()
}

// WarmUp 执行一次完整预热。幂等，可重复调用。
// 锁属于快速层而不是预热器：同一快速层上已有预热（不论来自哪个 Warmer）
// 在进行时立即返回 ErrWarmUpInProgress，两层的发布永远不会交错。
func (w *Warmer) WarmUp(ctx context.Context, outputDir string) error {
	if !w.fast.warming.TryLock() {
		return ErrWarmUpInProgress
	}
	defer w.fast.warming.Unlock()

	start := time.Now()
	report := &Report{RunID: uuid.NewString()}
	logger := log.With(w.logger, "run", report.RunID)

	err := w.run(ctx, outputDir, report, logger)

	report.Duration = time.Since(start)
	w.last.Store(report)
	w.metrics.warmupDuration.Observe(report.Duration.Seconds())

	if err != nil {
		w.setState(StateFailed)
		w.metrics.warmups.WithLabelValues("failed").Inc()
		level.Error(logger).Log("msg", "warm-up failed", "err", err, "duration", report.Duration)
		return err
	}

	w.setState(StateIdle)
	w.metrics.warmups.WithLabelValues("success").Inc()
	level.Info(logger).Log("msg", "warm-up finished",
		"candidates", report.Candidates,
		"included", report.Included,
		"keys", report.Keys,
		"content_hash", fmt.Sprintf("%016x", report.ContentHash),
		"failures", len(report.Failures),
		"duration", report.Duration,
	)
	return nil
}

func (w *Warmer) run(ctx context.Context, outputDir string, report *Report, logger log.Logger) error {
	// 1. 枚举
	w.setState(StateEnumerating)
	candidates, err := w.enum.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate candidates failed: %w", err)
	}
	report.Candidates = len(candidates)

	// 2. 过滤
	policy, err := w.policy(outputDir)
	if errors.Is(err, ErrEnumerationEmpty) {
		level.Info(logger).Log("msg", "no known list, publishing empty snapshot", "reason", err)
		candidates = nil
	} else if err != nil {
		return err
	}

	if len(candidates) == 0 {
		// 冷环境或全新安装，不是错误
		report.Empty = true
		w.setState(StatePublishing)
		return w.publish(ctx, map[string][]byte{}, report, logger)
	}

	included := policy.Filter(candidates)
	report.Included = len(included)
	level.Debug(logger).Log("msg", "candidates filtered", "candidates", len(candidates), "included", len(included))

	// 3. 解析
	w.setState(StateResolving)
	values, err := w.resolveAll(ctx, included, report, logger)
	if err != nil {
		return err
	}

	// 4. 发布
	w.setState(StatePublishing)
	return w.publish(ctx, values, report, logger)
}

func (w *Warmer) policy(outputDir string) (*Policy, error) {
	if w.cfg.KnownListFile == "" {
		return NewPolicy(nil, w.cfg.TestMarkers), nil
	}
	path := w.cfg.KnownListFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(outputDir, path)
	}
	known, err := LoadKnownList(path)
	if err != nil {
		return nil, err
	}
	return NewPolicy(known, w.cfg.TestMarkers), nil
}

func (w *Warmer) resolveAll(ctx context.Context, entities []string, report *Report, logger log.Logger) (map[string][]byte, error) {
	staging := newStagingCache(w.cfg.ResolveTimeout)

	var (
		mu       sync.Mutex
		owned    = make(map[string]struct{})
		failures []*ResolutionError
		resolved int
	)

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)
	for _, entity := range entities {
		g.Go(func() error {
			keys, rerr := w.resolveEntity(ctx, staging, entity)

			mu.Lock()
			defer mu.Unlock()
			if rerr != nil {
				// 单个实体失败只跳过该实体
				failures = append(failures, rerr)
				w.metrics.resolveFailed.Inc()
				level.Warn(logger).Log("msg", "skipping entity", "entity", entity, "key", rerr.Key, "err", rerr.Err)
				return nil
			}
			resolved++
			for _, k := range keys {
				owned[k] = struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("warm-up cancelled: %w", err)
	}

	sort.Slice(failures, func(i, j int) bool { return failures[i].Entity < failures[j].Entity })
	report.Failures = failures
	report.Resolved = resolved
	report.Resolutions = staging.resolutions.Load()

	return staging.drain(owned), nil
}

// resolveEntity 解析实体的所有维度，任何一个失败则整个实体失败。
func (w *Warmer) resolveEntity(ctx context.Context, staging *stagingCache, entity string) ([]string, *ResolutionError) {
	aspects, err := w.aspects(ctx, entity)
	if err != nil {
		return nil, &ResolutionError{Entity: entity, Err: err}
	}

	// 同一实体内 Key 必须唯一，否则两个维度会共用一份值
	keys := make([]string, 0, len(aspects))
	seen := make(map[string]struct{}, len(aspects))
	for _, aspect := range aspects {
		key := KeyFor(entity, aspect)
		if _, dup := seen[key]; dup {
			return nil, &ResolutionError{Entity: entity, Key: key, Err: fmt.Errorf("%w: %s %q", ErrDuplicateAspect, aspect.Kind, aspect.Name)}
		}
		seen[key] = struct{}{}
		_, err := staging.resolve(ctx, key, func(rctx context.Context) (any, error) {
			return w.resolver.Resolve(rctx, entity, aspect)
		})
		if err != nil {
			return nil, &ResolutionError{Entity: entity, Key: key, Err: err}
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// aspects 调用 ValueResolver.Aspects，同样受单 Key 时间预算限制。
func (w *Warmer) aspects(ctx context.Context, entity string) ([]Aspect, error) {
	if w.cfg.ResolveTimeout <= 0 {
		return w.resolver.Aspects(ctx, entity)
	}

	actx, cancel := context.WithTimeout(ctx, w.cfg.ResolveTimeout)
	defer cancel()

	type result struct {
		aspects []Aspect
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		a, err := w.resolver.Aspects(actx, entity)
		ch <- result{a, err}
	}()

	select {
	case r := <-ch:
		return r.aspects, r.err
	case <-actx.Done():
		return nil, fmt.Errorf("list aspects: %w", actx.Err())
	}
}

// publish 先替换快速层，成功后再把同一份快照镜像到回退池。
func (w *Warmer) publish(ctx context.Context, values map[string][]byte, report *Report, logger log.Logger) error {
	if err := w.fast.Store(ctx, values); err != nil {
		return err
	}
	report.Keys = len(values)
	report.ContentHash = ComputeValuesHash(values)

	if err := w.mirror(ctx, values, logger); err != nil {
		// 快速层已经发布，不回滚
		return fmt.Errorf("%w: %w", ErrFallbackWriteFailed, err)
	}
	return nil
}

// mirror 清空回退池，然后 SaveDeferred 每个条目并只 Commit 一次。
func (w *Warmer) mirror(ctx context.Context, values map[string][]byte, logger log.Logger) error {
	keys := sortedKeys(values)
	attempts := w.cfg.CommitAttempts

	return retry.Do(
		func() error {
			if err := w.pool.Clear(ctx); err != nil {
				return fmt.Errorf("clear fallback pool: %w", err)
			}
			for _, k := range keys {
				if err := w.pool.SaveDeferred(ctx, hitItem(k, values[k])); err != nil {
					return fmt.Errorf("defer %s: %w", k, err)
				}
			}
			return w.pool.Commit(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(w.cfg.CommitBackoff),
		retry.MaxDelay(10*w.cfg.CommitBackoff),
		retry.OnRetry(func(n uint, err error) {
			level.Warn(logger).Log("msg", "fallback mirror failed, retrying", "attempt", n+1, "max", attempts, "err", err)
		}),
		retry.LastErrorOnly(true),
	)
}
