package message

import "github.com/Metaphorme/railsync/pkg/models"

// Train 宣布一列新车（生成、加入或主机转发）
type Train struct {
	Train models.Train
}

func (*Train) Tag() string { return TagTrain }

func (m *Train) encode(w *writer) {
	w.tail(m.Train.Name)
	w.sep('\n')
	encodeTrainBlock(w, &m.Train)
}

func (m *Train) decode(body string) error {
	parts, err := sections(TagTrain, body, "\n", 2)
	if err != nil {
		return err
	}
	t, err := decodeTrainBlock(TagTrain, parts[1])
	if err != nil {
		return err
	}
	t.Name = parts[0]
	m.Train = t
	return nil
}

// RemoveTrain 删除若干列车
type RemoveTrain struct {
	Numbers []int
}

func (*RemoveTrain) Tag() string { return TagRemoveTrain }

func (m *RemoveTrain) encode(w *writer) {
	for _, n := range m.Numbers {
		w.int(n)
	}
}

func (m *RemoveTrain) decode(body string) error {
	sc := newScanner(TagRemoveTrain, body)
	for sc.err == nil && !sc.empty() {
		m.Numbers = append(m.Numbers, sc.int())
	}
	if err := sc.done(); err != nil {
		return err
	}
	if len(m.Numbers) == 0 {
		return malformed(TagRemoveTrain, "no train numbers")
	}
	return nil
}

// Uncouple 把一列车拆成两列。Authoritative 为 0 表示尚未由主机编号。
type Uncouple struct {
	User          string
	Original      int
	Provisional   int
	Authoritative int
	OwnerOnNew    bool // 发起者是否随拆出的部分走
	Kept          models.Train
	Split         models.Train
}

func (*Uncouple) Tag() string { return TagUncouple }

func (m *Uncouple) encode(w *writer) {
	w.str(m.User)
	w.int(m.Original)
	w.int(m.Provisional)
	w.int(m.Authoritative)
	w.flag(m.OwnerOnNew)
	w.sep('\n')
	encodeTrainBlock(w, &m.Kept)
	w.sep('\n')
	encodeTrainBlock(w, &m.Split)
}

func (m *Uncouple) decode(body string) error {
	parts, err := sections(TagUncouple, body, "\n", 3)
	if err != nil {
		return err
	}
	sc := newScanner(TagUncouple, parts[0])
	m.User = sc.str()
	m.Original = sc.int()
	m.Provisional = sc.int()
	m.Authoritative = sc.int()
	m.OwnerOnNew = sc.flag()
	if err := sc.done(); err != nil {
		return err
	}
	if m.Kept, err = decodeTrainBlock(TagUncouple, parts[1]); err != nil {
		return err
	}
	if m.Split, err = decodeTrainBlock(TagUncouple, parts[2]); err != nil {
		return err
	}
	if len(m.Kept.Cars) == 0 || len(m.Split.Cars) == 0 {
		return malformed(TagUncouple, "both halves need cars")
	}
	return nil
}

// Number 返回拆出部分应使用的编号
func (m *Uncouple) Number() int {
	if m.Authoritative != 0 {
		return m.Authoritative
	}
	return m.Provisional
}

// Couple 把 Absorbed 的车辆并入 Survivor，Survivor 携带合并后的完整车辆列表
type Couple struct {
	User     string
	Absorbed int
	Lead     int
	Survivor models.Train
}

func (*Couple) Tag() string { return TagCouple }

func (m *Couple) encode(w *writer) {
	w.str(m.User)
	w.int(m.Survivor.Number)
	w.int(m.Absorbed)
	w.int(m.Lead)
	w.sep('\n')
	encodeTrainBlock(w, &m.Survivor)
}

func (m *Couple) decode(body string) error {
	parts, err := sections(TagCouple, body, "\n", 2)
	if err != nil {
		return err
	}
	sc := newScanner(TagCouple, parts[0])
	m.User = sc.str()
	survivor := sc.int()
	m.Absorbed = sc.int()
	m.Lead = sc.int()
	if err := sc.done(); err != nil {
		return err
	}
	if m.Survivor, err = decodeTrainBlock(TagCouple, parts[1]); err != nil {
		return err
	}
	if m.Survivor.Number != survivor {
		return malformed(TagCouple, "survivor %d does not match block %d", survivor, m.Survivor.Number)
	}
	if m.Lead < -1 || m.Lead >= len(m.Survivor.Cars) {
		return malformed(TagCouple, "lead index %d out of range", m.Lead)
	}
	return nil
}

// LocoChange 切换列车的领头机车
type LocoChange struct {
	User  string
	Train int
	Lead  int
	CarID string
}

func (*LocoChange) Tag() string { return TagLocoChange }

func (m *LocoChange) encode(w *writer) {
	w.str(m.User)
	w.int(m.Train)
	w.int(m.Lead)
	w.tail(m.CarID)
}

func (m *LocoChange) decode(body string) error {
	sc := newScanner(TagLocoChange, body)
	m.User = sc.str()
	m.Train = sc.int()
	m.Lead = sc.int()
	m.CarID = sc.rest()
	if sc.err == nil && m.CarID == "" {
		sc.fail("missing car id")
	}
	return sc.err
}

// UpdateTrain 以权威内容替换（或新增）一列车
type UpdateTrain struct {
	User  string
	Train models.Train
}

func (*UpdateTrain) Tag() string { return TagUpdateTrain }

func (m *UpdateTrain) encode(w *writer) {
	w.str(m.User)
	w.sep('\n')
	encodeTrainBlock(w, &m.Train)
}

func (m *UpdateTrain) decode(body string) error {
	parts, err := sections(TagUpdateTrain, body, "\n", 2)
	if err != nil {
		return err
	}
	sc := newScanner(TagUpdateTrain, parts[0])
	m.User = sc.str()
	if err := sc.done(); err != nil {
		return err
	}
	m.Train, err = decodeTrainBlock(TagUpdateTrain, parts[1])
	return err
}

// GetTrain 请求主机重发一列车
type GetTrain struct {
	User   string
	Number int
}

func (*GetTrain) Tag() string { return TagGetTrain }

func (m *GetTrain) encode(w *writer) {
	w.str(m.User)
	w.int(m.Number)
}

func (m *GetTrain) decode(body string) error {
	sc := newScanner(TagGetTrain, body)
	m.User = sc.str()
	m.Number = sc.int()
	return sc.done()
}

// Flip 调转列车方向
type Flip struct {
	User  string
	Train int
}

func (*Flip) Tag() string { return TagFlip }

func (m *Flip) encode(w *writer) {
	w.str(m.User)
	w.int(m.Train)
}

func (m *Flip) decode(body string) error {
	sc := newScanner(TagFlip, body)
	m.User = sc.str()
	m.Train = sc.int()
	return sc.done()
}
