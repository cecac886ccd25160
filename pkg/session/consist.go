package session

import (
	"slices"

	"github.com/Metaphorme/railsync/pkg/message"
	"github.com/Metaphorme/railsync/pkg/models"
)

// applyTrain 加入一列新车；已存在时忽略
func (m *Manager) applyTrain(t models.Train) {
	if m.world.Train(t.Number) != nil {
		return
	}
	for _, c := range t.Cars {
		if _, err := m.world.LoadCar(c.Path); err != nil {
			m.log.Warn("missing car file", "train", t.Number, "path", c.Path)
		}
	}
	tr := t
	tr.Cars = slices.Clone(t.Cars)
	tr.Control = models.ControlStatic
	tr.Owner = ""
	if owner, ok := m.owners[t.Number]; ok {
		m.ownTrain(&tr, owner)
	}
	if err := m.world.AddTrain(&tr); err != nil {
		m.log.Warn("add train", "train", t.Number, "err", err)
		return
	}
	delete(m.misses, t.Number)
}

func (m *Manager) applyRemove(numbers []int) {
	for _, n := range numbers {
		if err := m.world.RemoveTrain(n); err != nil {
			m.log.Debug("remove train", "train", n, "err", err)
		}
		m.clearOwner(n)
		_ = m.lost.Remove(n)
		delete(m.misses, n)
		delete(m.moving, n)
		delete(m.controls, n)
	}
}

// splitTrain 在下标 at 处把列车分成两部分，返回副本
func splitTrain(t *models.Train, at int) (kept, split models.Train) {
	kept, split = *t, *t
	kept.Cars = slices.Clone(t.Cars[:at])
	split.Cars = slices.Clone(t.Cars[at:])
	split.Name = ""
	split.Owner = ""
	split.Control = models.ControlStatic
	kept.LeadLocomotive, split.LeadLocomotive = -1, -1
	if lead := t.LeadLocomotive; lead >= 0 && lead < at {
		kept.LeadLocomotive = lead
	} else if lead >= at {
		split.LeadLocomotive = lead - at
	}
	return kept, split
}

// Uncouple 在本地把列车 train 从第 at 节车处摘开。ownerOnNew 表示驾驶者随拆出的部分走。
// 参与者先用临时编号显示新车，等待主机分配正式编号。
func (m *Manager) Uncouple(train, at int, ownerOnNew bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(func() {
		t := m.world.Train(train)
		if t == nil || at <= 0 || at >= len(t.Cars) {
			m.log.Warn("invalid uncouple", "train", train, "at", at)
			return
		}
		kept, split := splitTrain(t, at)
		split.Number = m.world.NextTrainNumber()
		msg := &message.Uncouple{
			User:        m.cfg.user,
			Original:    train,
			Provisional: split.Number,
			OwnerOnNew:  ownerOnNew,
			Kept:        kept,
			Split:       split,
		}
		m.applySplit(msg, split.Number)
		if m.role == models.RoleHost {
			msg.Authoritative = split.Number
		}
		m.broadcast(msg, nil)
	})
}

// hostUncouple 为参与者的摘钩请求分配正式编号并广播给所有人（含发起者）
func (m *Manager) hostUncouple(msg *message.Uncouple) {
	if m.world.Train(msg.Original) == nil {
		m.log.Warn("uncouple of unknown train", "participant", msg.User, "train", msg.Original)
		return
	}
	msg.Authoritative = m.world.NextTrainNumber()
	m.applySplit(msg, msg.Authoritative)
	m.broadcast(msg, nil)
}

// applySplit 按消息中的两份车辆清单重建原列车并加入新车
func (m *Manager) applySplit(msg *message.Uncouple, number int) {
	orig := m.world.Train(msg.Original)
	if orig == nil {
		m.missing(msg.Original)
		return
	}
	orig.Cars = slices.Clone(msg.Kept.Cars)
	orig.LeadLocomotive = msg.Kept.LeadLocomotive

	split := msg.Split
	split.Number = number
	split.Cars = slices.Clone(msg.Split.Cars)
	split.Control = models.ControlStatic
	split.Owner = ""
	if m.world.Train(number) != nil {
		_ = m.world.RemoveTrain(number)
	}
	if err := m.world.AddTrain(&split); err != nil {
		m.log.Error("add split train", "train", number, "err", err)
		return
	}
	nt := m.world.Train(number)

	if owner, ok := m.owners[msg.Original]; ok && owner == msg.User && msg.OwnerOnNew {
		m.clearOwner(msg.Original)
		orig.Control = models.ControlStatic
		orig.Owner = ""
		m.setOwner(number, owner)
		if nt != nil {
			m.ownTrain(nt, owner)
		}
	}
	m.log.Info("train uncoupled", "participant", msg.User, "train", msg.Original, "new", number)
}

// confirmUncouple 处理主机广播的摘钩结果。发起者把临时编号改为正式编号。
func (m *Manager) confirmUncouple(msg *message.Uncouple) {
	if msg.User != m.cfg.user {
		m.applySplit(msg, msg.Authoritative)
		return
	}
	first := msg.Split.FirstCarID()
	t := m.world.Train(msg.Provisional)
	if t == nil || t.FirstCarID() != first {
		t = nil
		for _, c := range m.world.Trains() {
			if c.FirstCarID() == first {
				t = c
				break
			}
		}
	}
	if t == nil {
		m.applySplit(msg, msg.Authoritative)
		return
	}
	if old := t.Number; old != msg.Authoritative {
		_ = m.world.RemoveTrain(old)
		if m.world.Train(msg.Authoritative) != nil {
			_ = m.world.RemoveTrain(msg.Authoritative)
		}
		t.Number = msg.Authoritative
		if err := m.world.AddTrain(t); err != nil {
			m.log.Error("renumber split train", "train", msg.Authoritative, "err", err)
			return
		}
		if m.owners[old] == m.cfg.user {
			m.setOwner(msg.Authoritative, m.cfg.user)
		}
		m.log.Info("split train renumbered by host", "from", old, "to", msg.Authoritative)
	}
	t.Cars = slices.Clone(msg.Split.Cars)
	t.LeadLocomotive = msg.Split.LeadLocomotive
	if orig := m.world.Train(msg.Original); orig != nil {
		orig.Cars = slices.Clone(msg.Kept.Cars)
		orig.LeadLocomotive = msg.Kept.LeadLocomotive
	}
}

// Couple 在本地把 absorbed 并入 survivor
func (m *Manager) Couple(survivor, absorbed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(func() {
		s, a := m.world.Train(survivor), m.world.Train(absorbed)
		if s == nil || a == nil || survivor == absorbed {
			m.log.Warn("invalid couple", "survivor", survivor, "absorbed", absorbed)
			return
		}
		merged := *s
		merged.Cars = append(slices.Clone(s.Cars), a.Cars...)
		lead := s.LeadLocomotive
		if lead < 0 && a.LeadLocomotive >= 0 {
			lead = len(s.Cars) + a.LeadLocomotive
		}
		merged.LeadLocomotive = lead
		msg := &message.Couple{User: m.cfg.user, Absorbed: absorbed, Lead: lead, Survivor: merged}
		m.applyCouple(msg)
		m.broadcast(msg, nil)
	})
}

// applyCouple 用合并后的车辆清单替换存续列车并删除被吸收的列车。
// 被吸收列车的驾驶者在存续列车无人驾驶时接管它。
func (m *Manager) applyCouple(msg *message.Couple) {
	absorbedOwner, hadOwner := m.owners[msg.Absorbed]
	n := msg.Survivor.Number
	s := m.world.Train(n)
	if s == nil {
		tr := msg.Survivor
		tr.Cars = slices.Clone(msg.Survivor.Cars)
		tr.Control = models.ControlStatic
		tr.Owner = ""
		if err := m.world.AddTrain(&tr); err != nil {
			m.log.Error("add coupled train", "train", n, "err", err)
			return
		}
		s = m.world.Train(n)
	} else {
		s.Cars = slices.Clone(msg.Survivor.Cars)
	}
	s.LeadLocomotive = msg.Lead

	if m.world.Train(msg.Absorbed) != nil {
		_ = m.world.RemoveTrain(msg.Absorbed)
	}
	m.clearOwner(msg.Absorbed)
	_ = m.lost.Remove(msg.Absorbed)
	if _, owned := m.owners[n]; hadOwner && !owned {
		m.setOwner(n, absorbedOwner)
		m.ownTrain(s, absorbedOwner)
	}
	m.log.Info("trains coupled", "participant", msg.User, "train", n, "absorbed", msg.Absorbed)
}

// ChangeLoco 把列车的领头机车改为第 lead 节
func (m *Manager) ChangeLoco(train, lead int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(func() {
		t := m.world.Train(train)
		if t == nil || lead < 0 || lead >= len(t.Cars) {
			m.log.Warn("invalid loco change", "train", train, "lead", lead)
			return
		}
		t.LeadLocomotive = lead
		if p := m.registry[m.cfg.user]; p != nil {
			p.LeadID = t.Cars[lead].ID
		}
		m.broadcast(&message.LocoChange{User: m.cfg.user, Train: train, Lead: lead, CarID: t.Cars[lead].ID}, nil)
	})
}

func (m *Manager) applyLocoChange(msg *message.LocoChange) {
	t := m.world.Train(msg.Train)
	if t == nil || msg.Lead < 0 || msg.Lead >= len(t.Cars) || t.Cars[msg.Lead].ID != msg.CarID {
		m.missing(msg.Train)
		return
	}
	t.LeadLocomotive = msg.Lead
	if p := m.registry[msg.User]; p != nil {
		p.LeadID = msg.CarID
	}
}

// FlipTrain 调转列车方向
func (m *Manager) FlipTrain(train int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(func() {
		if m.applyFlip(train) {
			m.broadcast(&message.Flip{User: m.cfg.user, Train: train}, nil)
		}
	})
}

// applyFlip 反转车辆顺序与每节车的朝向
func (m *Manager) applyFlip(train int) bool {
	t := m.world.Train(train)
	if t == nil {
		m.missing(train)
		return false
	}
	slices.Reverse(t.Cars)
	for i := range t.Cars {
		t.Cars[i].Flipped = !t.Cars[i].Flipped
	}
	if t.LeadLocomotive >= 0 {
		t.LeadLocomotive = len(t.Cars) - 1 - t.LeadLocomotive
	}
	t.Direction = 1 - t.Direction
	return true
}

// applyUpdate 用主机的完整定义覆盖本地列车
func (m *Manager) applyUpdate(tr models.Train) {
	delete(m.misses, tr.Number)
	t := m.world.Train(tr.Number)
	if t == nil {
		m.applyTrain(tr)
		return
	}
	t.Cars = slices.Clone(tr.Cars)
	t.LeadLocomotive = tr.LeadLocomotive
	if t.Control != models.ControlLocal {
		t.Pos = tr.Pos
		t.Speed = tr.Speed
		t.Distance = tr.Distance
		t.Direction = tr.Direction
	}
}

// answerGetTrain 回复参与者对未知列车的请求
func (m *Manager) answerGetTrain(c Conn, number int) {
	t := m.world.Train(number)
	if t == nil {
		m.send(c, &message.RemoveTrain{Numbers: []int{number}})
		return
	}
	m.send(c, &message.UpdateTrain{User: m.cfg.user, Train: *t})
}
