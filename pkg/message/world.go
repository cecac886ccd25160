package message

import "github.com/Metaphorme/railsync/pkg/models"

// TrainMove 是一列车的位置报告
type TrainMove struct {
	Number    int
	Speed     float64
	Distance  float64
	Pos       models.Position
	CarCount  int
	Direction int
}

// Move 报告发送者驾驶的列车的位置，后写覆盖
type Move struct {
	User   string
	Trains []TrainMove
}

func (*Move) Tag() string { return TagMove }

func (m *Move) encode(w *writer) {
	w.str(m.User)
	for _, t := range m.Trains {
		w.int(t.Number)
		w.float(t.Speed)
		w.float(t.Distance)
		w.int(t.Pos.TileX)
		w.int(t.Pos.TileZ)
		w.float(t.Pos.X)
		w.float(t.Pos.Z)
		w.int(t.CarCount)
		w.int(t.Direction)
	}
}

func (m *Move) decode(body string) error {
	sc := newScanner(TagMove, body)
	m.User = sc.str()
	for sc.err == nil && !sc.empty() {
		m.Trains = append(m.Trains, TrainMove{
			Number:   sc.int(),
			Speed:    sc.float(),
			Distance: sc.float(),
			Pos: models.Position{
				TileX: sc.int(),
				TileZ: sc.int(),
				X:     sc.float(),
				Z:     sc.float(),
			},
			CarCount:  sc.int(),
			Direction: sc.int(),
		})
	}
	return sc.done()
}

// ExhaustEntry 是一节机车的排气参数
type ExhaustEntry struct {
	Train   int
	Car     int // 车辆在列车中的下标
	Exhaust models.Exhaust
}

// Exhaust 报告机车排气粒子参数
type Exhaust struct {
	User    string
	Entries []ExhaustEntry
}

func (*Exhaust) Tag() string { return TagExhaust }

func (m *Exhaust) encode(w *writer) {
	w.str(m.User)
	for _, e := range m.Entries {
		w.int(e.Train)
		w.int(e.Car)
		w.float(e.Exhaust.Rate)
		w.float(e.Exhaust.Velocity)
		w.float(e.Exhaust.Magnitude)
	}
}

func (m *Exhaust) decode(body string) error {
	sc := newScanner(TagExhaust, body)
	m.User = sc.str()
	for sc.err == nil && !sc.empty() {
		m.Entries = append(m.Entries, ExhaustEntry{
			Train: sc.int(),
			Car:   sc.int(),
			Exhaust: models.Exhaust{
				Rate:      sc.float(),
				Velocity:  sc.float(),
				Magnitude: sc.float(),
			},
		})
	}
	return sc.done()
}

// LocoInfo 报告领头机车的操纵值
type LocoInfo struct {
	User     string
	Train    int
	Car      int
	Controls models.LocoControls
}

func (*LocoInfo) Tag() string { return TagLocoInfo }

func (m *LocoInfo) encode(w *writer) {
	w.str(m.User)
	w.int(m.Train)
	w.int(m.Car)
	w.float(m.Controls.Throttle)
	w.float(m.Controls.TrainBrake)
	w.float(m.Controls.EngineBrake)
	w.float(m.Controls.DynamicBrake)
	w.float(m.Controls.Reverser)
}

func (m *LocoInfo) decode(body string) error {
	sc := newScanner(TagLocoInfo, body)
	m.User = sc.str()
	m.Train = sc.int()
	m.Car = sc.int()
	m.Controls = models.LocoControls{
		Throttle:     sc.float(),
		TrainBrake:   sc.float(),
		EngineBrake:  sc.float(),
		DynamicBrake: sc.float(),
		Reverser:     sc.float(),
	}
	return sc.done()
}
