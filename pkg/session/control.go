package session

import (
	"errors"
	"fmt"

	"github.com/Metaphorme/railsync/pkg/message"
	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/snapshot"
)

// RequestControl 请求驾驶列车 train。主机直接裁决，参与者等待 CONTROL 确认。
func (m *Manager) RequestControl(train int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(func() {
		t := m.world.Train(train)
		if t == nil {
			m.notify("", fmt.Sprintf("train %d not found", train), false)
			return
		}
		switch m.role {
		case models.RoleHost:
			m.grant(nil, m.cfg.user, train, t.MaxSpeed)
		case models.RoleParticipant:
			m.send(m.uplink, &message.Control{User: m.cfg.user, Train: train, MaxSpeed: t.MaxSpeed})
		default:
			m.ownTrain(t, m.cfg.user)
		}
	})
}

// grant 在主机上裁决驾驶请求。列车已由其他在线参与者驾驶时拒绝。
func (m *Manager) grant(from Conn, user string, train int, maxSpeed float64) {
	deny := func(text string) {
		if from == nil {
			m.notify("", text, false)
			return
		}
		m.send(from, &message.Notice{User: user, Text: text})
	}
	t := m.world.Train(train)
	if t == nil {
		deny(fmt.Sprintf("train %d not found", train))
		return
	}
	if owner, ok := m.owners[train]; ok && owner != user {
		if p := m.registry[owner]; p != nil && p.Status == models.StatusActive {
			deny(fmt.Sprintf("train %d is driven by %s", train, owner))
			return
		}
	}
	if p := m.registry[user]; p != nil && p.Train != 0 && p.Train != train {
		prev := p.Train
		m.clearOwner(prev)
		if pt := m.world.Train(prev); pt != nil {
			pt.Control = models.ControlStatic
			pt.Owner = ""
		}
	}
	m.setOwner(train, user)
	m.ownTrain(t, user)
	if maxSpeed > 0 {
		t.MaxSpeed = maxSpeed
	}
	_ = m.lost.Remove(train)
	m.broadcast(&message.Control{Confirm: true, User: user, Train: train, MaxSpeed: maxSpeed}, nil)
	m.log.Info("control granted", "participant", user, "train", train)
}

// confirmControl 在参与者上应用主机的驾驶确认
func (m *Manager) confirmControl(v *message.Control) {
	prev := 0
	if p := m.registry[v.User]; p != nil {
		prev = p.Train
	}
	m.setOwner(v.Train, v.User)
	m.stage(func() {
		if prev != 0 && prev != v.Train {
			if pt := m.world.Train(prev); pt != nil {
				pt.Control = models.ControlStatic
				pt.Owner = ""
			}
		}
		t := m.world.Train(v.Train)
		if t == nil {
			m.missing(v.Train)
			return
		}
		m.ownTrain(t, v.User)
		if v.MaxSpeed > 0 {
			t.MaxSpeed = v.MaxSpeed
		}
	})
}

// ThrowSwitch 请求扳动道岔。参与者的请求由主机检查占用后广播。
func (m *Manager) ThrowSwitch(junction, route int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := &message.Switch{User: m.cfg.user, Junction: junction, Route: route, HandThrown: true}
	switch m.role {
	case models.RoleParticipant:
		m.send(m.uplink, msg)
	default:
		m.stage(func() { m.hostSwitch(nil, msg) })
	}
}

// hostSwitch 在主机上执行扳道；道岔被占用时拒绝并提示请求者
func (m *Manager) hostSwitch(from Conn, msg *message.Switch) {
	fail := func(text string) {
		if from == nil {
			m.notify("", text, false)
			return
		}
		m.send(from, &message.Notice{User: msg.User, Text: text})
	}
	if m.world.SwitchOccupied(msg.Junction) {
		fail(fmt.Sprintf("switch %d is occupied", msg.Junction))
		return
	}
	if err := m.world.SetSwitchRoute(msg.Junction, msg.Route); err != nil {
		fail(fmt.Sprintf("switch %d: %v", msg.Junction, err))
		return
	}
	m.broadcast(msg, nil)
}

// applyStates 在参与者上应用道岔或信号机的全量/差分更新
func (m *Manager) applyStates(v *message.States) {
	u, err := v.Update()
	if err != nil {
		m.log.Warn("decode states", "kind", v.Kind, "err", err)
		m.resync(v.Kind)
		return
	}
	var cur []byte
	if u.Kind == snapshot.Switches {
		cur = m.world.SwitchSnapshot()
	} else {
		cur = m.world.SignalSnapshot()
	}
	next := u.State
	if !u.Full {
		if next, err = snapshot.Apply(cur, u.Changes); err != nil {
			m.log.Warn("apply state diff", "kind", u.Kind, "err", err)
			m.resync(u.Kind)
			return
		}
	}
	if u.Kind == snapshot.Signals {
		if err := m.world.ApplySignals(next); err != nil {
			m.log.Warn("apply signals", "err", err)
			m.resync(u.Kind)
			return
		}
		m.cache.Store(u.Kind, next)
		return
	}
	if len(next) != len(cur) {
		m.log.Warn("switch count mismatch", "host", len(next), "local", len(cur))
		return
	}
	for i := range next {
		if next[i] == cur[i] {
			continue
		}
		if err := m.world.SetSwitchRoute(i, int(next[i])); err != nil {
			m.log.Warn("apply switch", "junction", i, "err", err)
		}
	}
	m.cache.Store(u.Kind, next)
}

// resync 请求主机重发完整的信号机状态；道岔状态会在下一个周期自然收敛
func (m *Manager) resync(k snapshot.Kind) {
	if k == snapshot.Signals {
		m.send(m.uplink, &message.ResetSignal{User: m.cfg.user})
	}
}

// TopologyChanged 在道岔或信号机数量变化后调用，下一个周期发送全量状态
func (m *Manager) TopologyChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(func() {
		m.cache.Reset()
		m.forceSync = true
	})
}

// GrantAider 授予或撤销参与者的候补主机资格
func (m *Manager) GrantAider(name string, add bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != models.RoleHost {
		return errors.New("only the host can appoint aiders")
	}
	p := m.registry[name]
	if p == nil || name == m.cfg.user {
		return fmt.Errorf("unknown participant %q", name)
	}
	p.Aider = add
	m.broadcast(&message.Aider{User: name, Add: add}, nil)
	return nil
}

// BeginHandoff 询问候补主机，第一个应答者接管会话
func (m *Manager) BeginHandoff() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != models.RoleHost {
		return errors.New("only the host can hand the session over")
	}
	aiders := 0
	for _, p := range m.registry {
		if p.Aider && p.link != nil && p.Status == models.StatusActive {
			aiders++
		}
	}
	if aiders == 0 {
		return errors.New("no aider is connected")
	}
	m.handoff = true
	m.broadcast(&message.HostQuery{Asker: m.cfg.user}, nil)
	m.log.Info("host handoff started", "aiders", aiders)
	return nil
}

// acceptOffer 接受第一个候补主机的应答，宣告新主机后自身转为参与者
func (m *Manager) acceptOffer(v *message.HostOffer) {
	if !m.handoff {
		return
	}
	m.handoff = false
	m.broadcast(message.NewServer(v.User, v.Addr), nil)
	m.log.Info("handing session over", "host", v.User, "addr", v.Addr)
	for id, l := range m.links {
		_ = l.conn.Close()
		delete(m.links, id)
	}
	m.role = models.RoleParticipant
	m.state = models.StateDisconnected
	m.hostName, m.hostAddr = v.User, v.Addr
	m.redirect(v.Addr)
}

// serverAnnounced 处理 SERVER：加入时的主机声明，或交接后的新主机
func (m *Manager) serverAnnounced(v *message.Server) {
	switch {
	case m.state == models.StateJoining && m.hostName == "":
		m.hostName, m.hostAddr = v.User, v.Addr
	case v.User == m.cfg.user:
		m.promote()
	case v.User != m.hostName:
		m.log.Info("host moved", "host", v.User, "addr", v.Addr)
		m.hostName, m.hostAddr = v.User, v.Addr
		m.redirect(v.Addr)
	}
}

// promote 把本进程提升为主机。原有参与者进入断线缓存，等待其重新加入。
func (m *Manager) promote() {
	m.log.Info("promoted to host")
	old := m.uplink
	m.uplink = nil
	for name, p := range m.registry {
		if name == m.cfg.user || p.Status != models.StatusActive {
			continue
		}
		p.Status = models.StatusDisconnected
		p.link = nil
		if n := p.Train; n != 0 {
			_ = m.lost.Put(LostEntry{User: name, Train: n, QuitTime: m.now})
			m.clearOwner(n)
			m.stage(func() { m.releaseTrain(n) })
		}
	}
	m.becomeHost()
	if old != nil {
		_ = old.Close()
	}
	if m.cfg.hooks.Promote != nil {
		go func() {
			if err := m.cfg.hooks.Promote(); err != nil {
				m.log.Error("start hosting after promotion", "err", err)
			}
		}()
	}
	m.notify("", "you are now hosting the session", false)
}

// redirect 开始连接新主机。连接失败或超时未重新加入都回到离线模式。
func (m *Manager) redirect(addr string) {
	m.redirecting = true
	m.redirectAt = m.now
	if m.cfg.hooks.Redirect == nil {
		return
	}
	go func() {
		if err := m.cfg.hooks.Redirect(addr); err != nil {
			m.redirectFailed(addr, err)
		}
	}()
}

func (m *Manager) redirectFailed(addr string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.redirecting || m.hostAddr != addr {
		return
	}
	m.goOffline("cannot reach the new host", err)
}

// redirectExpired 在重定向超时后回到离线模式
func (m *Manager) redirectExpired() {
	if m.redirecting && m.now-m.redirectAt >= m.cfg.redirectWait {
		m.goOffline("the new host did not answer", nil)
	}
}

// SetAvatar 更新本地头像并通知其他人
func (m *Manager) SetAvatar(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.profile.Avatar = url
	m.setAvatar(m.cfg.user, url)
	m.broadcast(&message.Avatar{User: m.cfg.user, URL: url}, nil)
}

// Say 发送聊天消息，to 为空表示发给所有人
func (m *Manager) Say(text string, to ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := &message.Text{Sender: m.cfg.user, To: to, Body: text}
	if m.role == models.RoleHost {
		m.relayText(msg, nil)
		return
	}
	m.broadcast(msg, nil)
}

// SetIntegrityHash 在线路文件变化后更新完整性哈希
func (m *Manager) SetIntegrityHash(h string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == "" {
		h = models.HashNotApplicable
	}
	m.cfg.hash = h
}
