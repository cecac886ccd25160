package message

import (
	"slices"
	"strings"
)

// Text 是聊天消息。To 为空表示发给所有人。
type Text struct {
	Sender string
	To     []string
	Body   string
}

func (*Text) Tag() string { return TagText }

func (m *Text) encode(w *writer) {
	w.str(m.Sender)
	if len(m.To) == 0 {
		w.str(Everyone)
	} else {
		w.str(strings.Join(m.To, ","))
	}
	w.sep('\t')
	w.raw(m.Body)
}

func (m *Text) decode(body string) error {
	head, text, ok := strings.Cut(body, "\t")
	if !ok {
		return malformed(TagText, "missing text section")
	}
	sc := newScanner(TagText, head)
	m.Sender = sc.str()
	if to := sc.str(); to != Everyone && to != "" {
		m.To = strings.Split(to, ",")
	}
	m.Body = text
	return sc.done()
}

// For 报告 name 是否是收件人之一
func (m *Text) For(name string) bool {
	if len(m.To) == 0 {
		return true
	}
	return slices.Contains(m.To, name)
}

// Avatar 更新参与者的头像地址
type Avatar struct {
	User string
	URL  string
}

func (*Avatar) Tag() string { return TagAvatar }

func (m *Avatar) encode(w *writer) {
	w.str(m.User)
	w.tail(m.URL)
}

func (m *Avatar) decode(body string) error {
	sc := newScanner(TagAvatar, body)
	m.User = sc.str()
	m.URL = sc.rest()
	return sc.err
}
