package message

import (
	"github.com/Metaphorme/railsync/pkg/snapshot"
)

const (
	SwitchKind = snapshot.Switches
	SignalKind = snapshot.Signals
)

// States 携带道岔（SWITCHSTATES）或信号机（SIGNALSTATES）的完整状态或差分。
// Raw 是压缩前的字节：完整状态向量或差分条目。
type States struct {
	Kind snapshot.Kind
	Full bool
	Raw  []byte
}

// FromUpdate 把快照缓存产生的更新包装为消息
func FromUpdate(u snapshot.Update) *States {
	return &States{Kind: u.Kind, Full: u.Full, Raw: u.Raw()}
}

// Update 把消息还原为快照更新
func (m *States) Update() (snapshot.Update, error) {
	u := snapshot.Update{Kind: m.Kind, Full: m.Full}
	if m.Full {
		u.State = m.Raw
		return u, nil
	}
	changes, err := snapshot.UnmarshalChanges(m.Raw)
	if err != nil {
		return snapshot.Update{}, err
	}
	u.Changes = changes
	return u, nil
}

func (m *States) Tag() string {
	if m.Kind == SignalKind {
		return TagSignalStates
	}
	return TagSwitchStates
}

func (m *States) encode(w *writer) {
	if m.Full {
		w.str("full")
	} else {
		w.str("diff")
	}
	// 写入内存缓冲，不会失败
	p, _ := snapshot.EncodePayload(m.Raw)
	w.str(p)
}

func (m *States) decode(body string) error {
	sc := newScanner(m.Tag(), body)
	switch mode := sc.str(); mode {
	case "full":
		m.Full = true
	case "diff":
	default:
		sc.fail("bad mode %q", mode)
	}
	payload := sc.str()
	if err := sc.done(); err != nil {
		return err
	}
	raw, err := snapshot.DecodePayload(payload)
	if err != nil {
		return err
	}
	if !m.Full {
		if _, err := snapshot.UnmarshalChanges(raw); err != nil {
			return err
		}
	}
	if len(raw) > 0 {
		m.Raw = raw
	}
	return nil
}

// Switch 扳动一个道岔。参与者发给主机，主机校验占用后转发。
type Switch struct {
	User       string
	Junction   int
	Route      int
	HandThrown bool
}

func (*Switch) Tag() string { return TagSwitch }

func (m *Switch) encode(w *writer) {
	w.str(m.User)
	w.int(m.Junction)
	w.int(m.Route)
	w.flag(m.HandThrown)
}

func (m *Switch) decode(body string) error {
	sc := newScanner(TagSwitch, body)
	m.User = sc.str()
	m.Junction = sc.int()
	m.Route = sc.int()
	m.HandThrown = sc.flag()
	if sc.err == nil && (m.Junction < 0 || m.Route < 0 || m.Route > 255) {
		sc.fail("junction %d route %d out of range", m.Junction, m.Route)
	}
	return sc.done()
}

// ResetSignal 请求主机重发完整的信号机状态
type ResetSignal struct {
	User string
}

func (*ResetSignal) Tag() string { return TagResetSignal }

func (m *ResetSignal) encode(w *writer) { w.str(m.User) }

func (m *ResetSignal) decode(body string) error {
	sc := newScanner(TagResetSignal, body)
	m.User = sc.str()
	return sc.done()
}
