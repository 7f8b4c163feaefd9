package opcache

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound 表示两层缓存都未命中。
	ErrNotFound = errors.New("cache item not found")

	// ErrReadOnly 表示对只读的快速层执行了写操作。
	ErrReadOnly = errors.New("fast tier is read-only")

	// ErrEnumerationEmpty 表示没有候选 Key，预热会发布空快照，不算失败。
	ErrEnumerationEmpty = errors.New("no candidate keys")

	// ErrPublishFailed 表示快速层无法原子替换，旧快照保持不变。
	ErrPublishFailed = errors.New("fast tier publish failed")

	// ErrFallbackWriteFailed 表示镜像到回退池时部分失败，快速层不回滚。
	ErrFallbackWriteFailed = errors.New("fallback pool write failed")

	// ErrWarmUpInProgress 表示已有一次预热正在发布。
	ErrWarmUpInProgress = errors.New("warm-up already in progress")

	// ErrCorruptArtifact 表示快速层产物损坏。
	ErrCorruptArtifact = errors.New("corrupt fast tier artifact")

	// ErrDuplicateAspect 表示实体的两个维度映射到同一个 Key（例如重复的成员名）。
	ErrDuplicateAspect = errors.New("duplicate aspect key")
)

// ResolutionError 记录单个实体解析失败，不会中断整批预热。
type ResolutionError struct {
	Entity string
	Key    string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("resolve %s failed: %v", e.Entity, e.Err)
	}
	return fmt.Sprintf("resolve %s (%s) failed: %v", e.Entity, e.Key, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// CommitError 列出 Commit 时写入失败的 Key。
type CommitError struct {
	Failed map[string]error
}

func (e *CommitError) Error() string {
	keys := e.Keys()
	if len(keys) > 5 {
		keys = append(keys[:5], "...")
	}
	return fmt.Sprintf("commit failed for %d item(s): %s", len(e.Failed), strings.Join(keys, ", "))
}

// Keys 返回失败的 Key，按字典序排列。
func (e *CommitError) Keys() []string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// commitErrorOf 在没有失败项时返回 nil。
func commitErrorOf(failed map[string]error) error {
	if len(failed) == 0 {
		return nil
	}
	return &CommitError{Failed: failed}
}
