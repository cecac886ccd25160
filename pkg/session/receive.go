package session

import (
	"fmt"
	"time"

	"github.com/Metaphorme/railsync/pkg/message"
	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/world"
)

// Receive 处理从 c 收到的一条消息，由连接的读协程调用。
// 返回致命错误时调用方应关闭该连接。
func (m *Manager) Receive(c Conn, msg message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.role {
	case models.RoleHost:
		l := m.links[c.ID()]
		if l == nil {
			return models.Errorf(models.KindTransport, "unknown connection %s", c.ID())
		}
		if l.user == "" {
			if p, ok := msg.(*message.Player); ok {
				return m.hostPlayer(l, p)
			}
			m.log.Warn("message before join", "peer", c.ID(), "tag", msg.Tag())
			return nil
		}
		if p := m.registry[l.user]; p != nil {
			p.LastSeen = m.now
		}
		return m.hostReceive(l, msg)
	case models.RoleParticipant:
		if m.uplink == nil || c.ID() != m.uplink.ID() {
			return nil
		}
		return m.participantReceive(msg)
	default:
		return nil
	}
}

// Malformed 记录一条无法解析的消息体。熔断后返回致命错误。
func (m *Manager) Malformed(c Conn, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Warn("malformed message", "peer", c.ID(), "err", cause)
	if !m.breaker.Record(c.ID(), time.Now()) {
		return nil
	}
	name := c.ID()
	if l := m.links[c.ID()]; l != nil && l.user != "" {
		name = l.user
	}
	text := fmt.Sprintf("%s disconnected after repeated malformed messages", name)
	if m.role == models.RoleHost {
		m.broadcast(&message.Notice{User: message.Everyone, Text: text}, c)
	}
	m.notify("", text, false)
	return models.Errorf(models.KindBreakerTripped, "%s", text)
}

// sender 校验消息中声明的用户名与连接身份一致
func (m *Manager) sender(l *link, claimed string, msg message.Message) bool {
	if claimed == l.user {
		return true
	}
	m.log.Warn("sender mismatch", "peer", l.conn.ID(), "participant", l.user, "claimed", claimed, "tag", msg.Tag())
	return false
}

// removable 返回 user 有权删除的列车：自己驾驶的，或无人驾驶且不在他人保留期内的
func (m *Manager) removable(user string, numbers []int) []int {
	held := map[int]string{}
	if lost, err := m.lost.All(); err == nil {
		for _, e := range lost {
			held[e.Train] = e.User
		}
	}
	var out []int
	for _, n := range numbers {
		owner, owned := m.owners[n]
		if keeper, ok := held[n]; !owned && ok {
			owner, owned = keeper, true
		}
		if owned && owner != user {
			m.log.Warn("remove of foreign train refused", "participant", user, "train", n, "owner", owner)
			continue
		}
		out = append(out, n)
	}
	return out
}

func (m *Manager) hostReceive(l *link, msg message.Message) error {
	switch v := msg.(type) {
	case *message.Move:
		if m.sender(l, v.User, v) {
			m.broadcast(v, l.conn)
			m.stage(func() { m.applyMove(v) })
		}
	case *message.Exhaust:
		if m.sender(l, v.User, v) {
			m.broadcast(v, l.conn)
			m.stage(func() { m.applyExhaust(v) })
		}
	case *message.LocoInfo:
		if m.sender(l, v.User, v) {
			m.broadcast(v, l.conn)
			m.stage(func() { m.applyLocoInfo(v) })
		}
	case *message.Train:
		m.stage(func() {
			if m.world.Train(v.Train.Number) != nil {
				m.log.Warn("train number already in use", "participant", l.user, "train", v.Train.Number)
				return
			}
			m.broadcast(v, l.conn)
			m.applyTrain(v.Train)
		})
	case *message.RemoveTrain:
		if allowed := m.removable(l.user, v.Numbers); len(allowed) > 0 {
			v = &message.RemoveTrain{Numbers: allowed}
			m.broadcast(v, l.conn)
			m.stage(func() { m.applyRemove(v.Numbers) })
		}
	case *message.Uncouple:
		if v.Authoritative == 0 && m.sender(l, v.User, v) {
			m.stage(func() { m.hostUncouple(v) })
		}
	case *message.Couple:
		if m.sender(l, v.User, v) {
			m.stage(func() {
				m.applyCouple(v)
				m.broadcast(v, l.conn)
			})
		}
	case *message.LocoChange:
		if m.sender(l, v.User, v) {
			m.broadcast(v, l.conn)
			m.stage(func() { m.applyLocoChange(v) })
		}
	case *message.Flip:
		if m.sender(l, v.User, v) {
			m.broadcast(v, l.conn)
			m.stage(func() { m.applyFlip(v.Train) })
		}
	case *message.GetTrain:
		m.stage(func() { m.answerGetTrain(l.conn, v.Number) })
	case *message.Switch:
		if m.sender(l, v.User, v) {
			m.stage(func() { m.hostSwitch(l.conn, v) })
		}
	case *message.ResetSignal:
		m.stage(func() {
			m.send(l.conn, &message.States{Kind: message.SignalKind, Full: true, Raw: m.world.SignalSnapshot()})
		})
	case *message.Quit:
		if v.User == l.user {
			p := m.registry[l.user]
			delete(m.links, l.conn.ID())
			if p != nil && p.link == l {
				m.log.Info("participant quit", "participant", p.Name)
				m.lose(p, v)
			}
		}
	case *message.Notice:
		if v.Fatal {
			// 只有主机能宣告致命错误
			v = &message.Notice{User: v.User, Text: v.Text}
		}
		m.broadcast(v, l.conn)
		if v.Addressed(m.cfg.user) {
			m.notify(l.user, v.Text, false)
		}
	case *message.Control:
		if !v.Confirm && m.sender(l, v.User, v) {
			m.stage(func() { m.grant(l.conn, v.User, v.Train, v.MaxSpeed) })
		}
	case *message.HostOffer:
		if m.sender(l, v.User, v) {
			m.acceptOffer(v)
		}
	case *message.Text:
		if m.sender(l, v.Sender, v) {
			m.relayText(v, l.conn)
		}
	case *message.Avatar:
		if m.sender(l, v.User, v) {
			m.setAvatar(v.User, v.URL)
			m.broadcast(v, l.conn)
		}
	case *message.Alive:
		// LastSeen 已在 Receive 中刷新
	default:
		m.log.Debug("ignored message", "participant", l.user, "tag", msg.Tag())
	}
	return nil
}

func (m *Manager) participantReceive(msg message.Message) error {
	me := m.cfg.user
	switch v := msg.(type) {
	case *message.Move:
		if v.User != me {
			m.stage(func() { m.applyMove(v) })
		}
	case *message.Exhaust:
		if v.User != me {
			m.stage(func() { m.applyExhaust(v) })
		}
	case *message.LocoInfo:
		if v.User != me {
			m.stage(func() { m.applyLocoInfo(v) })
		}
	case *message.Train:
		m.stage(func() { m.applyTrain(v.Train) })
	case *message.RemoveTrain:
		m.stage(func() { m.applyRemove(v.Numbers) })
	case *message.Uncouple:
		if v.Authoritative != 0 {
			m.stage(func() { m.confirmUncouple(v) })
		}
	case *message.Couple:
		if v.User != me {
			m.stage(func() { m.applyCouple(v) })
		}
	case *message.LocoChange:
		if v.User != me {
			m.stage(func() { m.applyLocoChange(v) })
		}
	case *message.Flip:
		if v.User != me {
			m.stage(func() { m.applyFlip(v.Train) })
		}
	case *message.UpdateTrain:
		m.stage(func() { m.applyUpdate(v.Train) })
	case *message.States:
		m.stage(func() { m.applyStates(v) })
	case *message.Switch:
		m.stage(func() {
			if err := m.world.SetSwitchRoute(v.Junction, v.Route); err != nil {
				m.log.Warn("apply switch", "junction", v.Junction, "err", err)
			}
		})
	case *message.Player:
		m.participantPlayer(v)
	case *message.Quit:
		switch v.User {
		case me:
			m.goOffline("removed from the session by the host", nil)
		case m.hostName:
			m.goOffline("host ended the session", nil)
		default:
			m.markGone(v.User)
		}
	case *message.Lost:
		m.markGone(v.User)
	case *message.SameName:
		if v.User == me {
			m.goOffline("user name already in use", nil)
			return models.Errorf(models.KindIdentityConflict, "user %q is already in the session", me)
		}
	case *message.Notice:
		if !v.Addressed(me) {
			return nil
		}
		if v.Fatal && v.User == me {
			m.goOffline(v.Text, nil)
			return models.Errorf(models.KindIntegrity, "rejected by host: %s", v.Text)
		}
		m.notify(m.hostName, v.Text, false)
	case *message.TimeCheck:
		m.stage(func() { m.checkTime(v.Clock) })
	case *message.Control:
		if v.Confirm {
			m.confirmControl(v)
		}
	case *message.Aider:
		if p := m.registry[v.User]; p != nil {
			p.Aider = v.Add
		}
		if v.User == me {
			m.aider = v.Add
		}
	case *message.HostQuery:
		if m.aider && m.cfg.listenAddr != "" {
			m.send(m.uplink, message.NewHostOffer(me, m.cfg.listenAddr))
		}
	case *message.Server:
		m.serverAnnounced(v)
	case *message.Text:
		if v.Sender != me && v.For(me) {
			m.chat(v.Sender, v.Body)
		}
	case *message.Avatar:
		m.setAvatar(v.User, v.URL)
	default:
		m.log.Debug("ignored message", "tag", msg.Tag())
	}
	return nil
}

// applyMove 在模拟线程上应用位置报告，同一报告重复应用结果不变
func (m *Manager) applyMove(msg *message.Move) {
	for _, tm := range msg.Trains {
		t := m.world.Train(tm.Number)
		if t == nil || len(t.Cars) != tm.CarCount {
			m.missing(tm.Number)
			continue
		}
		if t.Control == models.ControlLocal {
			continue
		}
		delete(m.misses, tm.Number)
		t.Speed = tm.Speed
		t.Distance = tm.Distance
		t.Pos = tm.Pos
		t.Direction = tm.Direction
	}
}

func (m *Manager) applyExhaust(msg *message.Exhaust) {
	for _, e := range msg.Entries {
		t := m.world.Train(e.Train)
		if t == nil || e.Car < 0 || e.Car >= len(t.Cars) {
			m.missing(e.Train)
			continue
		}
		if t.Control != models.ControlLocal {
			t.Cars[e.Car].Exhaust = e.Exhaust
		}
	}
}

func (m *Manager) applyLocoInfo(msg *message.LocoInfo) {
	t := m.world.Train(msg.Train)
	if t == nil || msg.Car < 0 || msg.Car >= len(t.Cars) {
		m.missing(msg.Train)
		return
	}
	if t.Control != models.ControlLocal {
		t.Controls = msg.Controls
	}
}

// missing 统计找不到的列车，连续达到阈值后向主机请求完整定义
func (m *Manager) missing(number int) {
	m.misses[number]++
	if m.misses[number] < m.cfg.missingLimit {
		return
	}
	m.misses[number] = 0
	if m.role == models.RoleParticipant {
		m.log.Info("requesting unknown train", "train", number)
		m.send(m.uplink, &message.GetTrain{User: m.cfg.user, Number: number})
	}
}

// checkTime 记录与主机时钟的偏差，世界支持时直接校正
func (m *Manager) checkTime(host float64) {
	m.skew = host - m.world.Clock()
	if cs, ok := m.world.(world.ClockSetter); ok {
		cs.SetClock(host)
		m.now = host
	}
}

func (m *Manager) relayText(v *message.Text, from Conn) {
	if v.For(m.cfg.user) && v.Sender != m.cfg.user {
		m.chat(v.Sender, v.Body)
	}
	for _, l := range m.links {
		if l.user == "" || l.user == v.Sender || (from != nil && l.conn.ID() == from.ID()) {
			continue
		}
		if v.For(l.user) {
			m.send(l.conn, v)
		}
	}
}

func (m *Manager) chat(from, text string) {
	if m.cfg.notifier != nil {
		m.cfg.notifier.Chat(from, text)
	}
}

func (m *Manager) setAvatar(user, url string) {
	if p := m.registry[user]; p != nil {
		p.Avatar = url
		if p.join != nil {
			p.join.Avatar = url
		}
	}
}
