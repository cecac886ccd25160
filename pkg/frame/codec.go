// Package frame 实现会话协议的分帧：`<长度>: <负载>`。
// 长度按字符（码点）计数，与消息语义无关。
package frame

import (
	"strconv"
	"unicode/utf8"

	"github.com/Metaphorme/railsync/pkg/models"
)

const (
	// MaxPayload 是单帧负载的字符数上限
	MaxPayload = 1 << 20
	// maxLengthDigits 是长度字段的最大位数，更早的数字视为上一帧残留
	maxLengthDigits = 7
	// maxHeaderScan 在此范围内找不到 ':' 即认为失步
	maxHeaderScan = 64
)

// Encode 为负载加上长度前缀
func Encode(payload string) string {
	return strconv.Itoa(utf8.RuneCountInString(payload)) + ": " + payload
}

// Codec 把字节流累积为完整的帧。不是线程安全的，每个连接一个实例。
type Codec struct {
	buf     []rune
	partial []byte // 尚未凑齐的 UTF-8 字节
	skipped int    // 已丢弃的残留字符数，仅用于诊断
}

// Push 追加 UTF-8 文本字节，允许在多字节字符中间截断
func (c *Codec) Push(p []byte) {
	if len(c.partial) > 0 {
		p = append(c.partial, p...)
		c.partial = nil
	}
	for len(p) > 0 {
		r, size := utf8.DecodeRune(p)
		if r == utf8.RuneError && size <= 1 && !utf8.FullRune(p) {
			c.partial = append([]byte(nil), p...)
			return
		}
		c.buf = append(c.buf, r)
		p = p[size:]
	}
}

// Buffered 返回缓冲中尚未消费的字符数
func (c *Codec) Buffered() int { return len(c.buf) }

// Skipped 返回累计丢弃的残留字符数
func (c *Codec) Skipped() int { return c.skipped }

// Pop 尝试取出一个完整帧的负载。
// 数据不足时返回 ok=false；帧头损坏时返回 KindFraming 错误并清空缓冲。
func (c *Codec) Pop() (payload string, ok bool, err error) {
	colon := -1
	for i, r := range c.buf {
		if r == ':' {
			colon = i
			break
		}
		if i >= maxHeaderScan {
			break
		}
	}
	if colon < 0 {
		if len(c.buf) > maxHeaderScan {
			c.reset()
			return "", false, models.Errorf(models.KindFraming, "no length delimiter within %d chars", maxHeaderScan)
		}
		return "", false, nil
	}

	start := colon
	for start > 0 && isDigit(c.buf[start-1]) && colon-start < maxLengthDigits {
		start--
	}
	if start == colon {
		c.reset()
		return "", false, models.Errorf(models.KindFraming, "missing length before delimiter")
	}
	n, convErr := strconv.Atoi(string(c.buf[start:colon]))
	if convErr != nil {
		c.reset()
		return "", false, models.Wrap(models.KindFraming, "bad length", convErr)
	}
	if n > MaxPayload {
		c.reset()
		return "", false, models.Errorf(models.KindFraming, "frame too large: %d", n)
	}
	if len(c.buf) <= colon+1 {
		return "", false, nil
	}
	if c.buf[colon+1] != ' ' {
		c.reset()
		return "", false, models.Errorf(models.KindFraming, "expected space after length")
	}
	body := colon + 2
	if len(c.buf)-body < n {
		return "", false, nil
	}

	c.skipped += start
	payload = string(c.buf[body : body+n])
	rest := len(c.buf) - (body + n)
	copy(c.buf, c.buf[body+n:])
	c.buf = c.buf[:rest]
	return payload, true, nil
}

func (c *Codec) reset() {
	c.buf = c.buf[:0]
	c.partial = nil
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
