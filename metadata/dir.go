// Package metadata 从 YAML 映射文件目录中读取实体元数据，
// 同时作为预热器的 KeyEnumerator 与 ValueResolver。
package metadata

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"

	"github.com/btt-go/opcache"
)

// ErrUnknownEntity 表示目录中没有该实体的映射。
var ErrUnknownEntity = errors.New("unknown entity")

// Mapping 是单个实体的映射文件。
//
//	entity: App.Entity.User
//	annotations: {table: users}
//	members:
//	  - name: getName
//	    annotations: {deprecated: false}
//	attributes:
//	  - name: id
//	    annotations: {column: id, type: integer}
type Mapping struct {
	Entity      string         `yaml:"entity"`
	Annotations map[string]any `yaml:"annotations"`
	Members     []Property     `yaml:"members"`
	Attributes  []Property     `yaml:"attributes"`
}

// Property 是实体的成员或属性。
type Property struct {
	Name        string         `yaml:"name"`
	Annotations map[string]any `yaml:"annotations"`
}

// Dir 是映射文件目录。每次 Enumerate 都会重新扫描目录。
type Dir struct {
	fs     billy.Filesystem
	root   string
	logger log.Logger

	mu       sync.RWMutex
	mappings map[string]*Mapping
}

var (
	_ opcache.KeyEnumerator = (*Dir)(nil)
	_ opcache.ValueResolver = (*Dir)(nil)
)

// NewDir 创建映射目录。logger 可以为 nil。
func NewDir(fs billy.Filesystem, root string, logger log.Logger) *Dir {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Dir{
		fs:       fs,
		root:     root,
		logger:   log.With(logger, "component", "metadata"),
		mappings: make(map[string]*Mapping),
	}
}

// Enumerate 扫描目录并返回所有实体名（有序）。
// 无法解析的文件会被跳过并记录日志。
func (d *Dir) Enumerate(ctx context.Context) ([]string, error) {
	files, err := d.files()
	if err != nil {
		return nil, err
	}

	mappings := make(map[string]*Mapping, len(files))
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := d.parse(name)
		if err != nil {
			level.Warn(d.logger).Log("msg", "skipping mapping file", "file", name, "err", err)
			continue
		}
		if prev, dup := mappings[m.Entity]; dup {
			level.Warn(d.logger).Log("msg", "duplicate entity mapping, keeping first", "entity", prev.Entity, "file", name)
			continue
		}
		mappings[m.Entity] = m
	}

	d.mu.Lock()
	d.mappings = mappings
	d.mu.Unlock()

	names := make([]string, 0, len(mappings))
	for name := range mappings {
		names = append(names, name)
	}
	sort.Strings(names)
	level.Debug(d.logger).Log("msg", "mapping directory scanned", "root", d.root, "entities", len(names))
	return names, nil
}

// Aspects 依次返回 实体、成员、属性 维度。
func (d *Dir) Aspects(_ context.Context, entity string) ([]opcache.Aspect, error) {
	m, err := d.lookup(entity)
	if err != nil {
		return nil, err
	}

	aspects := make([]opcache.Aspect, 0, 1+len(m.Members)+len(m.Attributes))
	aspects = append(aspects, opcache.EntityAspect())
	for i, p := range m.Members {
		aspects = append(aspects, opcache.Aspect{Kind: opcache.AspectMember, Name: p.Name, Index: i})
	}
	for i, p := range m.Attributes {
		aspects = append(aspects, opcache.Aspect{Kind: opcache.AspectAttribute, Name: p.Name, Index: i})
	}
	return aspects, nil
}

// Resolve 返回维度对应的注解。
func (d *Dir) Resolve(_ context.Context, entity string, aspect opcache.Aspect) (any, error) {
	m, err := d.lookup(entity)
	if err != nil {
		return nil, err
	}

	switch aspect.Kind {
	case opcache.AspectEntity:
		return annotations(m.Annotations), nil
	case opcache.AspectMember:
		return property(m.Members, aspect)
	case opcache.AspectAttribute:
		return property(m.Attributes, aspect)
	}
	return nil, fmt.Errorf("unsupported aspect %s", aspect.Kind)
}

func (d *Dir) lookup(entity string) (*Mapping, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.mappings[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return m, nil
}

func (d *Dir) files() ([]string, error) {
	infos, err := d.fs.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("read mapping directory %s failed: %w", d.root, err)
	}

	var files []string
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		switch path.Ext(info.Name()) {
		case ".yaml", ".yml":
			files = append(files, path.Join(d.root, info.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (d *Dir) parse(name string) (*Mapping, error) {
	data, err := util.ReadFile(d.fs, name)
	if err != nil {
		return nil, err
	}
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m.Entity = strings.TrimSpace(m.Entity)
	if m.Entity == "" {
		return nil, errors.New("missing entity name")
	}
	return &m, nil
}

func property(props []Property, aspect opcache.Aspect) (any, error) {
	if aspect.Index < 0 || aspect.Index >= len(props) || props[aspect.Index].Name != aspect.Name {
		return nil, fmt.Errorf("%s %q not found", aspect.Kind, aspect.Name)
	}
	return annotations(props[aspect.Index].Annotations), nil
}

// annotations 保证没有注解时也缓存一个空对象，而不是 null。
func annotations(a map[string]any) map[string]any {
	if a == nil {
		return map[string]any{}
	}
	return a
}
