package opcache

import (
	"context"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
)

type benchMapping struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
}

func newBenchCache(b *testing.B) *TieredCache {
	b.Helper()
	fast := NewFastTier(memfs.New(), testArtifact)
	values := encodeAll(b, map[string]any{
		"App.Entity.User":         benchMapping{Table: "users", Columns: []string{"id", "email"}},
		"App.Entity.User#m-getId": map[string]any{"column": "id"},
		"App.Entity.User#a-email": map[string]any{"column": "email", "unique": true},
		"App.Entity.Order":        benchMapping{Table: "orders", Columns: []string{"id"}},
	})
	if err := fast.Store(context.Background(), values); err != nil {
		b.Fatalf("Store failed: %v", err)
	}
	return NewTieredCache(fast, NewMemoryPool())
}

func BenchmarkGet(b *testing.B) {
	ctx := context.Background()
	c := newBenchCache(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		val, err := Get[benchMapping](ctx, c, "App.Entity.User")
		if err != nil {
			b.Fatalf("Get failed: %v", err)
		}
		if val.Table != "users" {
			b.Fatalf("Value mismatch")
		}
	}
}

func BenchmarkGet_Parallel(b *testing.B) {
	ctx := context.Background()
	c := newBenchCache(b)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = Get[map[string]any](ctx, c, "App.Entity.User#a-email")
		}
	})
}

func BenchmarkGetItem_Fallback(b *testing.B) {
	ctx := context.Background()
	c := newBenchCache(b)
	if err := c.Save(ctx, hitItem("App.Entity.Invoice", []byte(`{"table":"invoices"}`))); err != nil {
		b.Fatalf("Save failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.GetItem(ctx, "App.Entity.Invoice"); err != nil {
			b.Fatalf("GetItem failed: %v", err)
		}
	}
}
