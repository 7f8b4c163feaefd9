package opcache

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// codec 与 encoding/json 兼容，并对 map key 排序，保证同样的值总是编码成同样的字节。
// 指针别名不会被保留：共享的子结构解码后是独立的副本。值必须无环。
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

func marshalValue(v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value failed: %w", err)
	}
	return data, nil
}

func unmarshalValue(data []byte, v any) error {
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode value failed: %w", err)
	}
	return nil
}
