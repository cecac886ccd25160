package message

import (
	"strconv"
	"strings"

	"github.com/Metaphorme/railsync/pkg/models"
)

// scanner 逐个读取以空格分隔的字段。第一次失败后所有读取返回零值，
// 调用方在最后检查 err 即可。
type scanner struct {
	tag string
	s   string
	err error
}

func newScanner(tag, s string) *scanner { return &scanner{tag: tag, s: s} }

func (sc *scanner) fail(format string, a ...any) {
	if sc.err == nil {
		sc.err = models.Errorf(models.KindMalformedBody, sc.tag+": "+format, a...)
	}
}

func (sc *scanner) empty() bool { return strings.TrimLeft(sc.s, " ") == "" }

func (sc *scanner) str() string {
	if sc.err != nil {
		return ""
	}
	s := strings.TrimLeft(sc.s, " ")
	if s == "" {
		sc.fail("missing field")
		return ""
	}
	tok := s
	if i := strings.IndexByte(s, ' '); i < 0 {
		sc.s = ""
	} else {
		sc.s = s[i+1:]
		tok = s[:i]
	}
	if tok == none {
		return ""
	}
	return tok
}

// rest 返回剩余的全部文本（可包含空格），可以为空
func (sc *scanner) rest() string {
	if sc.err != nil {
		return ""
	}
	s := strings.TrimLeft(sc.s, " ")
	sc.s = ""
	return s
}

func (sc *scanner) int() int {
	tok := sc.str()
	if sc.err != nil {
		return 0
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		sc.fail("bad integer %q", tok)
	}
	return v
}

func (sc *scanner) float() float64 {
	tok := sc.str()
	if sc.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		sc.fail("bad number %q", tok)
	}
	return v
}

func (sc *scanner) flag() bool {
	switch tok := sc.str(); tok {
	case "1":
		return true
	case "0", "":
		return false
	default:
		sc.fail("bad flag %q", tok)
		return false
	}
}

// done 要求字段已全部消费
func (sc *scanner) done() error {
	if sc.err == nil && !sc.empty() {
		sc.fail("unexpected trailing data %q", strings.TrimSpace(sc.s))
	}
	return sc.err
}

// none 是空字段在线路上的占位符
const none = "-"

// writer 以空格连接字段；sep 写入段分隔符并重新开始计数
type writer struct {
	b strings.Builder
	n int
}

// str 写入一个字段，空值写作 none，否则后续字段会错位
func (w *writer) str(s string) {
	if w.n > 0 {
		w.b.WriteByte(' ')
	}
	if s == "" {
		s = none
	}
	w.b.WriteString(s)
	w.n++
}

// tail 写入由 scanner.rest 读取的末尾字段，可以为空或包含空格
func (w *writer) tail(s string) {
	if w.n > 0 {
		w.b.WriteByte(' ')
	}
	w.b.WriteString(s)
	w.n++
}

func (w *writer) int(v int) { w.str(strconv.Itoa(v)) }

func (w *writer) float(v float64) { w.str(formatFloat(v)) }

func (w *writer) flag(v bool) {
	if v {
		w.str("1")
	} else {
		w.str("0")
	}
}

func (w *writer) sep(c byte) {
	w.b.WriteByte(c)
	w.n = 0
}

// raw 原样写入，不加分隔符
func (w *writer) raw(s string) {
	w.b.WriteString(s)
	w.n++
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func malformed(tag, format string, a ...any) error {
	return models.Errorf(models.KindMalformedBody, tag+": "+format, a...)
}
