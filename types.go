package opcache

// AspectKind 区分一个实体下的缓存维度。
type AspectKind int

const (
	AspectEntity    AspectKind = iota // 实体整体
	AspectMember                      // 成员（方法）
	AspectAttribute                   // 属性
)

func (k AspectKind) String() string {
	switch k {
	case AspectEntity:
		return "entity"
	case AspectMember:
		return "member"
	case AspectAttribute:
		return "attribute"
	}
	return "unknown"
}

// Aspect 是实体的一个子键（实体本身、第 N 个成员、第 N 个属性）。
type Aspect struct {
	Kind  AspectKind
	Name  string // 成员/属性名，实体维度为空
	Index int    // 在实体内的顺序
}

// EntityAspect 返回实体整体维度。
func EntityAspect() Aspect {
	return Aspect{Kind: AspectEntity}
}

// Item 是缓存池读写的基本单位。
// Hit 为 false 时 Value 一定为 nil。
type Item struct {
	Key   string
	Value []byte // 编码后的值，调用方独占的副本
	Hit   bool
}

// IsHit 报告是否命中。
func (i Item) IsHit() bool {
	return i.Hit
}

// Decode 将编码后的值解码到 v。
func (i Item) Decode(v any) error {
	if !i.Hit {
		return ErrNotFound
	}
	return unmarshalValue(i.Value, v)
}

// missItem 构造一个未命中的 Item。
func missItem(key string) Item {
	return Item{Key: key}
}

// hitItem 构造一个命中的 Item。
func hitItem(key string, value []byte) Item {
	return Item{Key: key, Value: value, Hit: true}
}

// NewItem 编码 value 并返回一个可保存的 Item。
func NewItem(key string, value any) (Item, error) {
	data, err := marshalValue(value)
	if err != nil {
		return Item{}, err
	}
	return hitItem(key, data), nil
}

// Decode 将 Item 解码为 T。
func Decode[T any](item Item) (T, error) {
	var v T
	if err := item.Decode(&v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// snapshot 是快速层的一代完整数据，发布后不可修改。
type snapshot struct {
	values   map[string][]byte
	checksum uint64 // 产物校验和，空快照为 0
}

var emptySnapshot = &snapshot{values: map[string][]byte{}}

func (s *snapshot) get(key string) ([]byte, bool) {
	v, ok := s.values[key]
	return v, ok
}
