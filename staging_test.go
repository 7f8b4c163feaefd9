package opcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStagingCache_ResolvesOncePerKey(t *testing.T) {
	ctx := context.Background()
	s := newStagingCache(time.Second)

	var calls atomic.Int32
	fn := func(context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return map[string]int{"v": 1}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.resolve(ctx, "App.Entity.User", fn)
			assert.NoError(t, err)
			assert.Equal(t, `{"v":1}`, string(v))
		}()
	}
	wg.Wait()

	// 之后的调用直接命中
	_, err := s.resolve(ctx, "App.Entity.User", fn)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), s.resolutions.Load())
}

func TestStagingCache_RemembersFailure(t *testing.T) {
	ctx := context.Background()
	s := newStagingCache(0)

	var calls atomic.Int32
	boom := errors.New("annotation parse error")
	fn := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}

	_, err := s.resolve(ctx, "C", fn)
	assert.ErrorIs(t, err, boom)
	_, err = s.resolve(ctx, "C", fn)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStagingCache_EncodeFailure(t *testing.T) {
	s := newStagingCache(0)
	_, err := s.resolve(context.Background(), "F", func(context.Context) (any, error) {
		return func() {}, nil
	})
	assert.Error(t, err)

	assert.Empty(t, s.drain(map[string]struct{}{"F": {}}))
}

func TestStagingCache_AbandonsStuckResolution(t *testing.T) {
	ctx := context.Background()
	s := newStagingCache(30 * time.Millisecond)

	release := make(chan struct{})
	defer close(release)

	var calls atomic.Int32
	stuck := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return 1, nil
	}

	start := time.Now()
	_, err := s.resolve(ctx, "slow", stuck)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// 失败被记住，不会再次调用
	_, err = s.resolve(ctx, "slow", stuck)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStagingCache_Drain(t *testing.T) {
	ctx := context.Background()
	s := newStagingCache(0)
	for _, k := range []string{"A", "B", "C"} {
		_, err := s.resolve(ctx, k, func(context.Context) (any, error) { return k, nil })
		require.NoError(t, err)
	}

	got := s.drain(map[string]struct{}{"A": {}, "C": {}, "missing": {}})
	assert.Equal(t, map[string][]byte{"A": []byte(`"A"`), "C": []byte(`"C"`)}, got)
}
