package world

import (
	"slices"
	"sync"

	"github.com/Metaphorme/railsync/pkg/models"
)

// Memory 是一个纯内存的世界模型，供测试与演示模拟器使用
type Memory struct {
	mu       sync.Mutex
	trains   map[int]*models.Train
	switches []byte
	signals  []byte
	occupied map[int]bool
	catalog  map[string]models.Car
	clock    float64
	next     int
}

// NewMemory 创建拥有 switches 个道岔和 heads 个信号头的世界
func NewMemory(switches, heads int) *Memory {
	return &Memory{
		trains:   make(map[int]*models.Train),
		switches: make([]byte, switches),
		signals:  make([]byte, heads*3),
		occupied: make(map[int]bool),
		next:     1,
	}
}

var _ Adapter = (*Memory)(nil)
var _ ClockSetter = (*Memory)(nil)

func (w *Memory) Trains() []*models.Train {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*models.Train, 0, len(w.trains))
	for _, t := range w.trains {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *models.Train) int { return a.Number - b.Number })
	return out
}

func (w *Memory) Train(number int) *models.Train {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trains[number]
}

func (w *Memory) TrainByOwner(user string) *models.Train {
	for _, t := range w.Trains() {
		if t.Owner == user {
			return t
		}
	}
	return nil
}

func (w *Memory) AddTrain(t *models.Train) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.trains[t.Number]; ok {
		return models.Errorf(models.KindIntegrity, "train %d already exists", t.Number)
	}
	w.trains[t.Number] = t
	if t.Number >= w.next {
		w.next = t.Number + 1
	}
	return nil
}

func (w *Memory) RemoveTrain(number int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.trains[number]; !ok {
		return models.Errorf(models.KindMissingEntity, "train %d not found", number)
	}
	delete(w.trains, number)
	return nil
}

func (w *Memory) NextTrainNumber() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.next
	w.next++
	return n
}

func (w *Memory) SetSwitchRoute(junction, route int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if junction < 0 || junction >= len(w.switches) {
		return models.Errorf(models.KindMissingEntity, "junction %d not found", junction)
	}
	w.switches[junction] = byte(route)
	return nil
}

func (w *Memory) SwitchOccupied(junction int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.occupied[junction]
}

// Occupy 标记道岔是否被列车占用
func (w *Memory) Occupy(junction int, busy bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if busy {
		w.occupied[junction] = true
	} else {
		delete(w.occupied, junction)
	}
}

func (w *Memory) SwitchSnapshot() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.switches)
}

func (w *Memory) SignalSnapshot() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.signals)
}

// SetSignal 设置一个信号头的显示、绘制状态和文字显示
func (w *Memory) SetSignal(head int, aspect, draw, text byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	copy(w.signals[head*3:], []byte{aspect, draw, text})
}

func (w *Memory) ApplySignals(state []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(state) != len(w.signals) {
		return models.Errorf(models.KindIntegrity, "signal state has %d bytes, want %d", len(state), len(w.signals))
	}
	copy(w.signals, state)
	return nil
}

// RegisterCar 把车辆定义加入目录。目录为空时 LoadCar 接受任何路径。
func (w *Memory) RegisterCar(path string, car models.Car) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.catalog == nil {
		w.catalog = make(map[string]models.Car)
	}
	car.Path = path
	w.catalog[path] = car
}

func (w *Memory) LoadCar(path string) (models.Car, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.catalog == nil {
		return models.Car{Path: path}, nil
	}
	c, ok := w.catalog[path]
	if !ok {
		return models.Car{}, models.Errorf(models.KindMissingEntity, "car file %q not found", path)
	}
	return c, nil
}

func (w *Memory) Clock() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clock
}

func (w *Memory) SetClock(seconds float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clock = seconds
}

// Advance 推进模拟时钟
func (w *Memory) Advance(dt float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clock += dt
}
