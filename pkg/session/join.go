package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Metaphorme/railsync/pkg/message"
	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/snapshot"
)

// StartHost 以主机身份开始会话。主机没有 Joining 状态，立即进入 Active。
func (m *Manager) StartHost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.becomeHost()
	m.log.Info("hosting session", "route", m.cfg.route)
}

// becomeHost 切换为主机角色，调用方持有锁
func (m *Manager) becomeHost() {
	m.role = models.RoleHost
	m.state = models.StateActive
	m.hostName = m.cfg.user
	m.hostAddr = m.cfg.listenAddr
	m.uplink = nil
	m.handoff = false
	m.forceSync = false
	m.lastSync, m.lastTime = m.now, m.now

	self := m.registry[m.cfg.user]
	if self == nil {
		self = &Participant{Name: m.cfg.user, Created: m.now}
		m.registry[m.cfg.user] = self
	}
	self.Status = models.StatusActive
	self.Avatar = m.cfg.profile.Avatar
	self.LastSeen = m.now

	m.stage(func() {
		if r, ok := m.lost.(Rebaser); ok {
			if err := r.Rebase(m.now); err != nil {
				m.log.Warn("rebase lost cache", "err", err)
			}
		}
		if t := m.world.TrainByOwner(m.cfg.user); t != nil {
			m.ownTrain(t, m.cfg.user)
			m.setOwner(t.Number, m.cfg.user)
			self.join = m.buildPlayer(t)
		} else {
			self.join = m.buildPlayer(nil)
		}
		m.cache.Reset()
		m.cache.Store(snapshot.Switches, m.world.SwitchSnapshot())
		m.cache.Store(snapshot.Signals, m.world.SignalSnapshot())
	})
}

// Attach 登记一条新的入站连接。对端必须先发送 PLAYER。
func (m *Manager) Attach(c Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[c.ID()] = &link{conn: c}
	m.log.Debug("connection attached", "peer", c.ID())
}

// Join 通过 c 连接主机并发送加入请求，进入 Joining 状态
func (m *Manager) Join(c Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.role = models.RoleParticipant
	m.state = models.StateJoining
	m.uplink = c
	m.hostName, m.hostAddr = "", ""
	m.redirecting = false
	m.handoff = false
	m.links = make(map[string]*link)
	m.registry = make(map[string]*Participant)
	m.owners = make(map[int]string)
	m.misses = make(map[int]int)
	m.cache.Reset()

	m.stage(func() {
		if m.uplink != c {
			return
		}
		p := m.buildPlayer(m.world.TrainByOwner(m.cfg.user))
		m.send(c, p)
		m.log.Info("join requested", "train", p.TrainNumber, "peer", c.ID())
	})
}

// buildPlayer 由本地列车构造加入请求，在模拟线程上调用
func (m *Manager) buildPlayer(t *models.Train) *message.Player {
	prof := m.cfg.profile
	p := &message.Player{
		User:      m.cfg.user,
		Code:      prof.Code,
		Clock:     m.world.Clock(),
		Season:    prof.Season,
		Weather:   prof.Weather,
		Headlight: prof.Headlight,
		Consist:   prof.Consist,
		Route:     m.cfg.route,
		Path:      prof.Path,
		Avatar:    prof.Avatar,
		Version:   models.ProtocolVersion,
		Hash:      m.cfg.hash,
	}
	if t != nil {
		p.TrainNumber = t.Number
		p.Pos = t.Pos
		p.Distance = t.Distance
		p.MaxSpeed = t.MaxSpeed
		p.Direction = t.Direction
		p.Cars = append([]models.Car(nil), t.Cars...)
		if t.LeadLocomotive >= 0 && t.LeadLocomotive < len(t.Cars) {
			p.LeadID = t.Cars[t.LeadLocomotive].ID
		}
	}
	return p
}

// hostPlayer 在主机上校验加入请求；通过后把分配列车的工作排入队列
func (m *Manager) hostPlayer(l *link, p *message.Player) error {
	if p.Version != models.ProtocolVersion {
		text := fmt.Sprintf("protocol version %d does not match host version %d", p.Version, models.ProtocolVersion)
		m.reject(l, p.User, text)
		return models.Errorf(models.KindProtocolVersion, "%s: %s", p.User, text)
	}
	if p.Hash != models.HashNotApplicable && m.cfg.hash != models.HashNotApplicable && p.Hash != m.cfg.hash {
		text := "route content differs from the host"
		m.reject(l, p.User, text)
		return models.Errorf(models.KindIntegrity, "%s: hash %s, want %s", p.User, p.Hash, m.cfg.hash)
	}
	if m.cfg.route != "" && !strings.EqualFold(p.Route, m.cfg.route) {
		text := fmt.Sprintf("route %q does not match host route %q", p.Route, m.cfg.route)
		m.reject(l, p.User, text)
		return models.Errorf(models.KindIntegrity, "%s: %s", p.User, text)
	}

	existing := m.registry[p.User]
	if existing != nil && existing.Status == models.StatusActive {
		m.send(l.conn, message.NewSameName(p.User))
		m.log.Warn("duplicate user rejected", "participant", p.User, "peer", l.conn.ID())
		return models.Errorf(models.KindIdentityConflict, "user %q is already in the session", p.User)
	}

	part := existing
	if part == nil {
		part = &Participant{Name: p.User, Created: m.now}
		m.registry[p.User] = part
	}
	part.Status = models.StatusActive
	part.LastSeen = m.now
	part.LeadID = p.LeadID
	part.Avatar = p.Avatar
	part.Consist = p.Consist
	part.Path = p.Path
	part.link = l
	l.user = p.User

	m.stage(func() { m.admit(l, part, p) })
	return nil
}

// reject 向全体广播针对 user 的错误，并发给尚未加入的 l
func (m *Manager) reject(l *link, user, text string) {
	n := &message.Notice{Fatal: true, User: user, Text: text}
	m.broadcast(n, nil)
	m.send(l.conn, n)
	m.notify(user, text, false)
	m.log.Warn("join rejected", "participant", user, "reason", text, "peer", l.conn.ID())
}

// admit 在模拟线程上为加入者分配列车并发送欢迎序列
func (m *Manager) admit(l *link, part *Participant, p *message.Player) {
	if m.links[l.conn.ID()] != l || part.link != l {
		return
	}
	t := m.matchLost(p)
	if t != nil {
		_ = m.lost.Remove(t.Number)
		m.log.Info("participant reattached", "participant", p.User, "train", t.Number)
		m.record(p.User, "rejoin", t.Number)
	} else {
		tr := p.Train()
		if tr.Number <= 0 || m.world.Train(tr.Number) != nil {
			tr.Number = m.world.NextTrainNumber()
		}
		var missing []string
		for _, c := range tr.Cars {
			if _, err := m.world.LoadCar(c.Path); err != nil {
				missing = append(missing, c.Path)
			}
		}
		if len(missing) > 0 {
			m.send(l.conn, &message.Notice{User: p.User, Text: "host is missing car files: " + strings.Join(missing, ", ")})
		}
		t = &tr
		if err := m.world.AddTrain(t); err != nil {
			m.log.Error("add joining train", "participant", p.User, "err", err)
		}
		m.log.Info("participant joined", "participant", p.User, "train", t.Number)
		m.record(p.User, "join", t.Number)
	}
	m.ownTrain(t, p.User)
	m.setOwner(t.Number, p.User)

	echo := *p
	echo.TrainNumber = t.Number
	part.join = &echo

	m.send(l.conn, message.NewServer(m.cfg.user, m.hostAddr))
	m.broadcast(&echo, nil)
	for _, other := range m.world.Trains() {
		if other.Number != t.Number {
			m.send(l.conn, &message.Train{Train: *other})
		}
	}
	for _, other := range m.sortedParticipants() {
		if other == part || other.Status != models.StatusActive || other.join == nil {
			continue
		}
		j := *other.join
		j.TrainNumber = other.Train
		m.send(l.conn, &j)
	}

	sw := m.world.SwitchSnapshot()
	sg := m.world.SignalSnapshot()
	m.send(l.conn, &message.States{Kind: snapshot.Switches, Full: true, Raw: sw})
	m.send(l.conn, &message.States{Kind: snapshot.Signals, Full: true, Raw: sg})
	for k, s := range map[snapshot.Kind][]byte{snapshot.Switches: sw, snapshot.Signals: sg} {
		if m.cache.Last(k) == nil {
			m.cache.Store(k, s)
		}
		m.cache.MarkBaseline(k, s)
	}
	m.boostEnd = m.now + m.cfg.boostWindow
	m.send(l.conn, &message.TimeCheck{Clock: m.world.Clock()})
	m.notify(p.User, "joined the session", false)
}

// matchLost 在断线缓存中寻找可接回的列车：同名、车辆序列一致且距离足够近。
// 多个候选时取最近者，距离相同时取编号最小者。
func (m *Manager) matchLost(p *message.Player) *models.Train {
	entries, err := m.lost.ByUser(p.User)
	if err != nil {
		m.log.Warn("lost cache lookup", "participant", p.User, "err", err)
		return nil
	}
	var best *models.Train
	var bestD float64
	for _, e := range entries {
		t := m.world.Train(e.Train)
		if t == nil {
			_ = m.lost.Remove(e.Train)
			continue
		}
		if owner, ok := m.owners[t.Number]; ok && owner != p.User {
			continue
		}
		if !models.SameCars(t.Cars, p.Cars) {
			continue
		}
		d := t.Pos.DistanceSquared(p.Pos)
		if d > m.cfg.proximity {
			continue
		}
		if best == nil || d < bestD {
			best, bestD = t, d
		}
	}
	return best
}

func (m *Manager) sortedParticipants() []*Participant {
	out := make([]*Participant, 0, len(m.registry))
	for _, p := range m.registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// participantPlayer 处理主机转发的加入确认
func (m *Manager) participantPlayer(p *message.Player) {
	if p.User == m.cfg.user {
		if m.state != models.StateJoining {
			return
		}
		m.state = models.StateActive
		self := m.registry[m.cfg.user]
		if self == nil {
			self = &Participant{Name: m.cfg.user, Created: m.now}
			m.registry[m.cfg.user] = self
		}
		self.Status = models.StatusActive
		self.join = p
		number := p.TrainNumber
		if number > 0 {
			m.setOwner(number, m.cfg.user)
		}
		m.stage(func() { m.adoptNumber(number) })
		m.log.Info("joined session", "host", m.hostName, "train", number)
		m.notify(m.hostName, "joined the session", false)
		return
	}

	part := m.registry[p.User]
	if part == nil {
		part = &Participant{Name: p.User, Created: m.now}
		m.registry[p.User] = part
	}
	part.Status = models.StatusActive
	part.LeadID = p.LeadID
	part.Avatar = p.Avatar
	part.Consist = p.Consist
	part.Path = p.Path
	part.LastSeen = m.now
	part.join = p
	if p.TrainNumber > 0 {
		m.setOwner(p.TrainNumber, p.User)
	}
	m.stage(func() {
		if p.TrainNumber <= 0 {
			return
		}
		t := m.world.Train(p.TrainNumber)
		if t == nil {
			tr := p.Train()
			t = &tr
			if err := m.world.AddTrain(t); err != nil {
				m.log.Warn("add participant train", "participant", p.User, "err", err)
				return
			}
		}
		m.ownTrain(t, p.User)
	})
}

// adoptNumber 把本地列车改为主机分配的编号
func (m *Manager) adoptNumber(number int) {
	t := m.world.TrainByOwner(m.cfg.user)
	if t == nil || number <= 0 {
		return
	}
	if t.Number != number {
		if other := m.world.Train(number); other != nil {
			_ = m.world.RemoveTrain(number)
		}
		_ = m.world.RemoveTrain(t.Number)
		m.log.Info("train renumbered by host", "from", t.Number, "to", number)
		t.Number = number
		if err := m.world.AddTrain(t); err != nil {
			m.log.Error("renumber train", "train", number, "err", err)
		}
	}
	m.ownTrain(t, m.cfg.user)
}

// Closed 在连接断开后调用。主机侧把参与者移入断线缓存；参与者侧回退到离线模式。
func (m *Manager) Closed(c Conn, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaker.Forget(c.ID())

	if m.uplink != nil && c.ID() == m.uplink.ID() {
		m.uplink = nil
		if m.redirecting {
			return
		}
		m.goOffline("connection to host lost", cause)
		return
	}

	l := m.links[c.ID()]
	if l == nil {
		return
	}
	delete(m.links, c.ID())
	if l.user == "" {
		return
	}
	p := m.registry[l.user]
	if p == nil || p.link != l || p.Status != models.StatusActive {
		return
	}
	m.log.Warn("participant connection lost", "participant", p.Name, "peer", c.ID(), "err", cause)
	m.lose(p, message.NewLost(p.Name))
}

// lose 把参与者标记为断线，其列车进入保留期而不是立即删除
func (m *Manager) lose(p *Participant, notice message.Message) {
	m.record(p.Name, strings.ToLower(notice.Tag()), p.Train)
	p.Status = models.StatusDisconnected
	p.link = nil
	if n := p.Train; n != 0 {
		if err := m.lost.Put(LostEntry{User: p.Name, Train: n, QuitTime: m.now}); err != nil {
			m.log.Error("lost cache put", "participant", p.Name, "err", err)
		}
		m.clearOwner(n)
		m.stage(func() { m.releaseTrain(n) })
	}
	m.broadcast(notice, nil)
	m.notify(p.Name, "left the session", false)
}

// markGone 在参与者侧处理他人的 QUIT/LOST
func (m *Manager) markGone(name string) {
	p := m.registry[name]
	if p == nil {
		return
	}
	p.Status = models.StatusDisconnected
	if n := p.Train; n != 0 {
		m.clearOwner(n)
		m.stage(func() { m.releaseTrain(n) })
	}
	m.notify(name, "left the session", false)
}

// goOffline 回到单机模式，远端驾驶的列车交回本地静止维护
func (m *Manager) goOffline(reason string, cause error) {
	if m.role == models.RoleOffline {
		return
	}
	m.log.Warn("session ended", "reason", reason, "err", cause)
	for id, l := range m.links {
		_ = l.conn.Close()
		delete(m.links, id)
	}
	if m.uplink != nil {
		_ = m.uplink.Close()
		m.uplink = nil
	}
	m.role = models.RoleOffline
	m.state = models.StateDisconnected
	m.handoff = false
	m.redirecting = false
	m.aider = false
	for n, u := range m.owners {
		if u != m.cfg.user {
			delete(m.owners, n)
		}
	}
	m.stage(func() {
		for _, t := range m.world.Trains() {
			if t.Control == models.ControlRemote {
				t.Control = models.ControlStatic
				t.Owner = ""
			}
		}
	})
	m.notify("", reason, true)
}

// Quit 主动离开会话。主机离开即结束会话。
func (m *Manager) Quit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.role {
	case models.RoleParticipant:
		m.send(m.uplink, message.NewQuit(m.cfg.user))
	case models.RoleHost:
		m.broadcast(message.NewQuit(m.cfg.user), nil)
	default:
		return
	}
	m.goOffline("left the session", nil)
}

// Kick 由主机踢出参与者，其列车立即删除，不进入断线缓存
func (m *Manager) Kick(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != models.RoleHost {
		return fmt.Errorf("only the host can kick")
	}
	p := m.registry[name]
	if p == nil || p.link == nil || name == m.cfg.user {
		return fmt.Errorf("no connected participant %q", name)
	}
	m.broadcast(message.NewQuit(name), nil)
	l := p.link
	delete(m.links, l.conn.ID())
	_ = l.conn.Close()
	p.link = nil
	p.Status = models.StatusEvicted
	m.record(name, "kick", p.Train)
	if n := p.Train; n != 0 {
		m.clearOwner(n)
		_ = m.lost.Remove(n)
		m.stage(func() { _ = m.world.RemoveTrain(n) })
		m.broadcast(&message.RemoveTrain{Numbers: []int{n}}, nil)
	}
	m.log.Info("participant kicked", "participant", name)
	return nil
}
