// Package snapshot 维护道岔与信号机状态向量，计算差分并编码为线路负载。
//
// 状态向量每个元素一个字节：道岔为当前选定的进路，信号机每个信号头占三个字节
// （显示、绘制状态、文字显示）。差分条目为 4 字节小端索引加 1 字节新值。
package snapshot

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/Metaphorme/railsync/pkg/models"
)

const (
	// entrySize 是一个差分条目的字节数
	entrySize = 5
	// maxRaw 是解压后负载的上限，防止伪造的长度头耗尽内存
	maxRaw = 16 << 20
)

// Change 是状态向量中单个元素的新值
type Change struct {
	Index uint32
	Value byte
}

// Diff 返回把 prev 变成 cur 所需的最小修改集合。两者长度必须一致。
func Diff(prev, cur []byte) ([]Change, error) {
	if len(prev) != len(cur) {
		return nil, fmt.Errorf("snapshot length changed: %d -> %d", len(prev), len(cur))
	}
	var out []Change
	for i := range cur {
		if prev[i] != cur[i] {
			out = append(out, Change{Index: uint32(i), Value: cur[i]})
		}
	}
	return out, nil
}

// Apply 把修改写入 state 的副本并返回
func Apply(state []byte, changes []Change) ([]byte, error) {
	out := bytes.Clone(state)
	for _, c := range changes {
		if int(c.Index) >= len(out) {
			return nil, models.Errorf(models.KindMalformedBody, "snapshot index %d out of range %d", c.Index, len(out))
		}
		out[c.Index] = c.Value
	}
	return out, nil
}

// MarshalChanges 把修改集合序列化为定长条目
func MarshalChanges(changes []Change) []byte {
	out := make([]byte, len(changes)*entrySize)
	for i, c := range changes {
		binary.LittleEndian.PutUint32(out[i*entrySize:], c.Index)
		out[i*entrySize+4] = c.Value
	}
	return out
}

// UnmarshalChanges 是 MarshalChanges 的逆操作
func UnmarshalChanges(b []byte) ([]Change, error) {
	if len(b)%entrySize != 0 {
		return nil, models.Errorf(models.KindMalformedBody, "diff length %d is not a multiple of %d", len(b), entrySize)
	}
	out := make([]Change, len(b)/entrySize)
	for i := range out {
		out[i].Index = binary.LittleEndian.Uint32(b[i*entrySize:])
		out[i].Value = b[i*entrySize+4]
	}
	return out, nil
}

// EncodePayload 压缩原始字节并编码为可嵌入文本帧的字符串：
// base64( 4 字节小端原始长度 || gzip(raw) )
func EncodePayload(raw []byte) (string, error) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(raw)))
	buf.Write(hdr[:])
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodePayload 是 EncodePayload 的逆操作，并校验长度头
func DecodePayload(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, models.Wrap(models.KindMalformedBody, "snapshot base64", err)
	}
	if len(b) < 4 {
		return nil, models.Errorf(models.KindMalformedBody, "snapshot payload too short")
	}
	n := binary.LittleEndian.Uint32(b[:4])
	if n > maxRaw {
		return nil, models.Errorf(models.KindMalformedBody, "snapshot too large: %d", n)
	}
	zr, err := gzip.NewReader(bytes.NewReader(b[4:]))
	if err != nil {
		return nil, models.Wrap(models.KindMalformedBody, "snapshot gzip", err)
	}
	defer zr.Close()
	raw := make([]byte, n)
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, models.Wrap(models.KindMalformedBody, "snapshot length mismatch", err)
	}
	// 声明长度之后不应再有数据
	if m, _ := zr.Read(make([]byte, 1)); m != 0 {
		return nil, models.Errorf(models.KindMalformedBody, "snapshot longer than declared %d", n)
	}
	return raw, nil
}
