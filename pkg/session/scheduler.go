package session

import (
	"github.com/Metaphorme/railsync/pkg/message"
	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/snapshot"
)

// Tick 由模拟线程每帧调用：先按顺序执行排队的世界访问，再执行到期的周期任务。
// 所有周期都按模拟时钟计算。
func (m *Manager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.world.Clock()
	for len(m.pending) > 0 {
		batch := m.pending
		m.pending = nil
		for _, f := range batch {
			f()
		}
	}
	switch m.role {
	case models.RoleHost:
		m.reportMoves()
		m.syncStates()
		m.timeCheck()
		m.purgeLost()
	case models.RoleParticipant:
		m.redirectExpired()
		if m.state == models.StateActive {
			m.reportMoves()
			m.keepalive()
		}
	}
}

// reportMoves 广播本地驾驶列车的位置；主机同时报告 AI 列车。
// 停车后只再报告一次。
func (m *Manager) reportMoves() {
	if m.now-m.lastMove < m.cfg.moveInterval {
		return
	}
	m.lastMove = m.now
	me := m.cfg.user
	move := &message.Move{User: me}
	exhaust := &message.Exhaust{User: me}
	for _, t := range m.world.Trains() {
		if t.Control != models.ControlLocal && !(m.role == models.RoleHost && t.Control == models.ControlAI) {
			continue
		}
		if lead := t.LeadLocomotive; lead >= 0 && lead < len(t.Cars) && m.controls[t.Number] != t.Controls {
			m.controls[t.Number] = t.Controls
			m.broadcast(&message.LocoInfo{User: me, Train: t.Number, Car: lead, Controls: t.Controls}, nil)
		}
		moving := t.Speed != 0
		if !moving && !m.moving[t.Number] {
			continue
		}
		m.moving[t.Number] = moving
		move.Trains = append(move.Trains, message.TrainMove{
			Number:    t.Number,
			Speed:     t.Speed,
			Distance:  t.Distance,
			Pos:       t.Pos,
			CarCount:  len(t.Cars),
			Direction: t.Direction,
		})
		for i, c := range t.Cars {
			if c.Exhaust != (models.Exhaust{}) {
				exhaust.Entries = append(exhaust.Entries, message.ExhaustEntry{Train: t.Number, Car: i, Exhaust: c.Exhaust})
			}
		}
	}
	if len(move.Trains) > 0 {
		m.broadcast(move, nil)
	}
	if len(exhaust.Entries) > 0 {
		m.broadcast(exhaust, nil)
	}
}

// syncStates 周期性广播道岔与信号机的变化。有人加入后的一段时间内周期缩短为三分之一。
func (m *Manager) syncStates() {
	interval := m.cfg.switchInterval
	if m.boostEnd > 0 {
		if m.now < m.boostEnd {
			interval /= 3
		} else {
			m.boostEnd = 0
			m.cache.ClearBaseline()
		}
	}
	if !m.forceSync && m.now-m.lastSync < interval {
		return
	}
	m.forceSync = false
	m.lastSync = m.now
	if u, ok := m.cache.Next(snapshot.Switches, m.world.SwitchSnapshot()); ok {
		m.broadcast(message.FromUpdate(u), nil)
	}
	if u, ok := m.cache.Next(snapshot.Signals, m.world.SignalSnapshot()); ok {
		m.broadcast(message.FromUpdate(u), nil)
	}
}

func (m *Manager) timeCheck() {
	if m.now-m.lastTime < m.cfg.timeInterval {
		return
	}
	m.lastTime = m.now
	m.broadcast(&message.TimeCheck{Clock: m.now}, nil)
}

func (m *Manager) keepalive() {
	if m.now-m.lastAlive < m.cfg.aliveInterval {
		return
	}
	m.lastAlive = m.now
	m.send(m.uplink, message.NewAlive(m.cfg.user))
}

// purgeLost 删除超过宽限期仍未接回的列车
func (m *Manager) purgeLost() {
	expired, err := m.lost.Purge(m.now - m.cfg.grace)
	if err != nil {
		m.log.Error("purge lost cache", "err", err)
		return
	}
	for _, e := range expired {
		m.record(e.User, "expire", e.Train)
		if p := m.registry[e.User]; p != nil && p.Status != models.StatusActive {
			delete(m.registry, e.User)
		}
		if _, owned := m.owners[e.Train]; owned {
			continue
		}
		if m.world.Train(e.Train) == nil {
			continue
		}
		if err := m.world.RemoveTrain(e.Train); err != nil {
			m.log.Warn("remove expired train", "train", e.Train, "err", err)
			continue
		}
		m.broadcast(&message.RemoveTrain{Numbers: []int{e.Train}}, nil)
		m.log.Info("lost train removed", "participant", e.User, "train", e.Train)
	}
}
