package opcache

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
)

// 产物格式:
//
//	magic(4) | xxhash64(body)(8, big endian) | body
//
// body 是 snappy 压缩的 JSON 对象 Key -> base64(Value)，Key 有序，
// 因此相同的输入总是得到逐字节相同的产物。
var artifactMagic = []byte("OPC1")

const artifactHeaderLen = 4 + 8

// encodeArtifact 将快照值编码为产物字节，并返回 body 的校验和。
func encodeArtifact(values map[string][]byte) ([]byte, uint64, error) {
	raw, err := codec.Marshal(values)
	if err != nil {
		return nil, 0, fmt.Errorf("encode snapshot failed: %w", err)
	}
	body := snappy.Encode(nil, raw)
	sum := HashBytes(body)

	out := make([]byte, artifactHeaderLen+len(body))
	copy(out, artifactMagic)
	binary.BigEndian.PutUint64(out[4:artifactHeaderLen], sum)
	copy(out[artifactHeaderLen:], body)
	return out, sum, nil
}

// decodeArtifact 校验并解码产物。任何不一致都返回 ErrCorruptArtifact。
func decodeArtifact(data []byte) (*snapshot, error) {
	if len(data) < artifactHeaderLen || !bytes.Equal(data[:4], artifactMagic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptArtifact)
	}
	want := binary.BigEndian.Uint64(data[4:artifactHeaderLen])
	body := data[artifactHeaderLen:]
	if got := HashBytes(body); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch %016x != %016x", ErrCorruptArtifact, got, want)
	}

	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}

	values := make(map[string][]byte)
	if err := codec.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	return &snapshot{values: values, checksum: want}, nil
}

// artifactChecksum 只读取头部校验和，不解码 body。
func artifactChecksum(data []byte) (uint64, bool) {
	if len(data) < artifactHeaderLen || !bytes.Equal(data[:4], artifactMagic) {
		return 0, false
	}
	return binary.BigEndian.Uint64(data[4:artifactHeaderLen]), true
}
