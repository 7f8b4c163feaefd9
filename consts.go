package opcache

import (
	"strings"
)

// DefaultPrefix 是默认的 Key 前缀。
const DefaultPrefix = "opcache:"

// prefix 是 Redis 等共享存储中使用的 Key 前缀。
var prefix = DefaultPrefix

// SetPrefix 设置全局 Key 前缀。
// 这应该在任何其他操作之前调用。
func SetPrefix(p string) {
	prefix = p
	if len(prefix) > 0 && prefix[len(prefix)-1] != ':' {
		prefix += ":"
	}
}

// Suffix defs
const (
	SuffixItems = "items" // 回退池的条目 Hash
)

// KeyItems 返回回退池条目 Hash 的 Redis Key。
// 该 Hash 存储 CacheKey -> EncodedValue。
func KeyItems() string {
	return prefix + SuffixItems
}

// 缓存 Key 中使用的分隔符，均不属于 sanitize 后的安全字符集，保证不会冲突。
const (
	sepMember    = "#m-"
	sepAttribute = "#a-"
	sepHashed    = "~"
)

// KeyFor 为实体的某个维度生成稳定且文件名安全的缓存 Key。
//
//	entity:    App.Entity.User
//	member:    App.Entity.User#m-getName
//	attribute: App.Entity.User#a-email
func KeyFor(entity string, aspect Aspect) string {
	base := sanitize(entity)
	switch aspect.Kind {
	case AspectMember:
		return base + sepMember + sanitize(aspect.Name)
	case AspectAttribute:
		return base + sepAttribute + sanitize(aspect.Name)
	}
	return base
}

// NormalizeName 统一命名空间分隔符（\ 和 / 变为 .）并去掉开头的分隔符。
func NormalizeName(name string) string {
	name = strings.NewReplacer(`\`, ".", "/", ".").Replace(name)
	return strings.TrimLeft(name, ".")
}

// sanitize 把任意名字转换为只包含 [A-Za-z0-9_.-] 的片段。
// 任何字符被改写时都追加原始名字的 xxhash，避免两个不同名字映射到同一个 Key。
func sanitize(name string) string {
	normalized := NormalizeName(name)
	rewritten := normalized != name

	var b strings.Builder
	b.Grow(len(normalized))
	for i := 0; i < len(normalized); i++ {
		c := normalized[i]
		if isSafeByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('_')
		rewritten = true
	}

	if !rewritten {
		return normalized
	}
	b.WriteString(sepHashed)
	b.WriteString(ShortHash(name))
	return b.String()
}

func isSafeByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '.', c == '-':
		return true
	}
	return false
}
