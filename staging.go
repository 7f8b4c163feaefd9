package opcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// stagingCache 是单次预热内的临时缓存。
// 同一个 Key 最多解析一次：并发请求通过 singleflight 合并，结果（包括失败）都会被记住。
type stagingCache struct {
	group   singleflight.Group
	timeout time.Duration

	mu     sync.Mutex
	values map[string][]byte
	errs   map[string]error

	resolutions atomic.Int64
}

func newStagingCache(timeout time.Duration) *stagingCache {
	return &stagingCache{
		timeout: timeout,
		values:  make(map[string][]byte),
		errs:    make(map[string]error),
	}
}

func (s *stagingCache) lookup(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok {
		return v, true, nil
	}
	if err, ok := s.errs[key]; ok {
		return nil, true, err
	}
	return nil, false, nil
}

// resolve 返回 Key 的编码值，必要时调用 fn。
// 每次解析的时间预算为 timeout；超时后放弃等待并记住失败，卡住的解析不会拖住整批预热。
func (s *stagingCache) resolve(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) ([]byte, error) {
	if v, ok, err := s.lookup(key); ok {
		return v, err
	}

	ch := s.group.DoChan(key, func() (any, error) {
		// 双重检查，上一轮 flight 可能刚刚完成
		if v, ok, err := s.lookup(key); ok {
			return v, err
		}

		rctx := context.WithoutCancel(ctx)
		if s.timeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(rctx, s.timeout)
			defer cancel()
		}

		s.resolutions.Add(1)
		v, err := fn(rctx)
		var data []byte
		if err == nil {
			data, err = marshalValue(v)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if prev, abandoned := s.errs[key]; abandoned {
			// 等待方已超时放弃，保持失败结果
			return nil, prev
		}
		if err != nil {
			s.errs[key] = err
			return nil, err
		}
		s.values[key] = data
		return data, nil
	})

	var timer <-chan time.Time
	if s.timeout > 0 {
		t := time.NewTimer(s.timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-timer:
		err := fmt.Errorf("resolution exceeded %s: %w", s.timeout, context.DeadlineExceeded)
		s.abandon(key, err)
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stagingCache) abandon(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		return
	}
	if _, ok := s.errs[key]; !ok {
		s.errs[key] = err
	}
	s.group.Forget(key)
}

// drain 返回指定 Key 的值。
func (s *stagingCache) drain(keys map[string]struct{}) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	for k := range keys {
		if v, ok := s.values[k]; ok {
			out[k] = v
		}
	}
	return out
}
