package frame

import (
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// wireEncoding 是线路上的文本编码：UTF-16LE，无 BOM
var wireEncoding encoding.Encoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// NewReader 把 UTF-16 线路字节流转换为 UTF-8 文本流
func NewReader(r io.Reader) io.Reader {
	return transform.NewReader(r, wireEncoding.NewDecoder())
}

// ToWire 把一帧文本编码为线路字节
func ToWire(text string) ([]byte, error) {
	return wireEncoding.NewEncoder().Bytes([]byte(text))
}

// WriteFrame 为负载加上长度前缀并以线路编码写出
func WriteFrame(w io.Writer, payload string) error {
	b, err := ToWire(Encode(payload))
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Reader 组合线路解码与分帧，逐帧返回负载
type Reader struct {
	src   io.Reader
	codec Codec
	buf   []byte
}

// NewFrameReader 创建一个从线路字节流读取帧的 Reader
func NewFrameReader(r io.Reader) *Reader {
	return &Reader{src: NewReader(r), buf: make([]byte, 4096)}
}

// Next 阻塞直到读出一个完整帧或出错
func (r *Reader) Next() (string, error) {
	for {
		payload, ok, err := r.codec.Pop()
		if err != nil {
			return "", err
		}
		if ok {
			return payload, nil
		}
		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.codec.Push(r.buf[:n])
			continue
		}
		if err != nil {
			return "", err
		}
	}
}
