package opcache

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// HashBytes 返回数据的 xxhash64 (用于产物校验和)。
func HashBytes(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// HashString 返回字符串的 xxhash64。
func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// ShortHash 返回 xxhash64 低 32 位的 8 位十六进制 (用于 Key 后缀)。
func ShortHash(s string) string {
	return fmt.Sprintf("%08x", HashString(s)&0xffffffff)
}

// ComputeValuesHash 计算快照内容的全局 Hash。
// 它按 Key 排序遍历所有条目，与 map 遍历顺序无关。
func ComputeValuesHash(values map[string][]byte) uint64 {
	keys := sortedKeys(values)

	h := xxhash.New()
	for _, k := range keys {
		// Hash 格式: Key + 0 + Value + 0
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(values[k])
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
