package opcache

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultTestMarkers 是识别测试替身的默认命名片段。
var DefaultTestMarkers = []string{"Test"}

// Policy 决定哪些候选实体需要预热。
//
// 匹配规则（名字先经过 NormalizeName）：
//   - 名字包含测试标记的候选被列入黑名单，只能通过与已知列表的精确匹配纳入；
//   - 其余候选与已知条目精确匹配，或已知条目是它在段边界上的命名空间前缀时纳入
//     (App.Entity 匹配 App.Entity.User，不匹配 App.EntityX.User)；
//   - 没有已知列表时，纳入所有不在黑名单中的候选。
type Policy struct {
	known   []string // 列表顺序即匹配顺序
	exact   map[string]struct{}
	markers []string
}

// NewPolicy 创建过滤策略。known 为 nil 表示没有已知列表。
func NewPolicy(known []string, markers []string) *Policy {
	p := &Policy{markers: markers}
	if known == nil {
		return p
	}
	p.known = make([]string, 0, len(known))
	p.exact = make(map[string]struct{}, len(known))
	for _, k := range known {
		n := NormalizeName(k)
		if n == "" {
			continue
		}
		if _, dup := p.exact[n]; dup {
			continue
		}
		p.known = append(p.known, n)
		p.exact[n] = struct{}{}
	}
	return p
}

// Blacklisted 报告名字是否像测试替身。
func (p *Policy) Blacklisted(name string) bool {
	for _, m := range p.markers {
		if m != "" && strings.Contains(name, m) {
			return true
		}
	}
	return false
}

// Include 判断候选实体是否需要预热。
func (p *Policy) Include(candidate string) bool {
	name := NormalizeName(candidate)
	if name == "" {
		return false
	}

	blacklisted := p.Blacklisted(name)
	if p.exact == nil {
		return !blacklisted
	}

	if _, ok := p.exact[name]; ok {
		return true
	}
	if blacklisted {
		return false
	}

	for _, entry := range p.known {
		if matchNamespace(name, entry) {
			return true
		}
	}
	return false
}

// Filter 按顺序返回需要预热的候选，去掉重复项。
func (p *Policy) Filter(candidates []string) []string {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if p.Include(c) {
			out = append(out, c)
		}
	}
	return out
}

// matchNamespace 检查 entry 是否是 name 在段边界上的前缀。
func matchNamespace(name, entry string) bool {
	return len(name) > len(entry) && strings.HasPrefix(name, entry) && name[len(entry)] == '.'
}

// LoadKnownList 读取 YAML 序列格式的已知实体列表。
// 文件不存在时返回 ErrEnumerationEmpty。
func LoadKnownList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: known list %s missing", ErrEnumerationEmpty, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read known list failed: %w", err)
	}

	known := []string{}
	if err := yaml.Unmarshal(data, &known); err != nil {
		return nil, fmt.Errorf("parse known list %s failed: %w", path, err)
	}
	return known, nil
}
