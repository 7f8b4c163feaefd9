package opcache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeWarmer struct {
	optional bool
	err      error
	runs     int
}

func (w *fakeWarmer) WarmUp(context.Context, string) error {
	w.runs++
	return w.err
}

func (w *fakeWarmer) IsOptional() bool {
	return w.optional
}

func TestWarmers_OptionalFailureIgnored(t *testing.T) {
	first := &fakeWarmer{optional: true, err: errors.New("metadata unavailable")}
	second := &fakeWarmer{}

	ws := NewWarmers(nil, first, second)
	assert.NoError(t, ws.WarmUp(context.Background(), t.TempDir()))
	assert.Equal(t, 1, first.runs)
	assert.Equal(t, 1, second.runs)
	assert.False(t, ws.IsOptional())
}

func TestWarmers_RequiredFailureStops(t *testing.T) {
	boom := errors.New("boom")
	first := &fakeWarmer{err: boom}
	second := &fakeWarmer{optional: true}

	ws := NewWarmers(nil, first)
	ws.Add(second)
	err := ws.WarmUp(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, second.runs)
}

func TestWarmers_IsOptional(t *testing.T) {
	assert.True(t, NewWarmers(nil).IsOptional())
	assert.True(t, NewWarmers(nil, &fakeWarmer{optional: true}, &fakeWarmer{optional: true}).IsOptional())
}

func TestWarmers_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &fakeWarmer{}
	err := NewWarmers(nil, w).WarmUp(ctx, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, w.runs)
}

func TestWarmers_WithWarmer(t *testing.T) {
	fast := newTestFastTier(t, nil)
	res := &stubResolver{values: map[string]any{"A": 1}}
	w := NewWarmer(WarmerConfig{}, fast, nil, SliceEnumerator{"A"}, res)

	ws := NewWarmers(nil, w)
	assert.NoError(t, ws.WarmUp(context.Background(), t.TempDir()))
	assert.Equal(t, []string{"A"}, fast.Keys())
	assert.True(t, ws.IsOptional())
}
