package opcache

import "context"

// KeyEnumerator 提供值得预先缓存的候选实体。
// 每次调用都是一次新的扫描，结果是有限的。
type KeyEnumerator interface {
	Enumerate(ctx context.Context) ([]string, error)
}

// SliceEnumerator 返回固定的候选列表。
type SliceEnumerator []string

func (s SliceEnumerator) Enumerate(context.Context) ([]string, error) {
	out := make([]string, len(s))
	copy(out, s)
	return out, nil
}

// EnumeratorFunc 把函数适配为 KeyEnumerator。
type EnumeratorFunc func(ctx context.Context) ([]string, error)

func (f EnumeratorFunc) Enumerate(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// ValueResolver 按需计算实体各维度的值。
// 实现可能很慢，但不应有副作用；同一输入总是得到同一结果。
type ValueResolver interface {
	// Aspects 返回实体的有序子键（实体本身、成员、属性）。
	Aspects(ctx context.Context, entity string) ([]Aspect, error)

	// Resolve 计算实体某个维度的值。
	Resolve(ctx context.Context, entity string, aspect Aspect) (any, error)
}

// ResolverFunc 只缓存实体整体维度的 ValueResolver。
type ResolverFunc func(ctx context.Context, entity string) (any, error)

func (f ResolverFunc) Aspects(context.Context, string) ([]Aspect, error) {
	return []Aspect{EntityAspect()}, nil
}

func (f ResolverFunc) Resolve(ctx context.Context, entity string, _ Aspect) (any, error) {
	return f(ctx, entity)
}
