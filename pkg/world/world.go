// Package world 定义会话与外部模拟器之间的边界。
// 会话只在模拟线程（Tick）中调用 Adapter，因此实现不必是线程安全的。
package world

import "github.com/Metaphorme/railsync/pkg/models"

// Adapter 是会话所需的最小世界模型
type Adapter interface {
	// Trains 按编号升序返回全部列车
	Trains() []*models.Train
	// Train 返回指定编号的列车，不存在时返回 nil
	Train(number int) *models.Train
	// TrainByOwner 返回由 user 驾驶的列车
	TrainByOwner(user string) *models.Train
	AddTrain(t *models.Train) error
	RemoveTrain(number int) error
	// NextTrainNumber 分配一个未使用的列车编号
	NextTrainNumber() int

	SetSwitchRoute(junction, route int) error
	// SwitchOccupied 报告道岔上是否有列车
	SwitchOccupied(junction int) bool
	SwitchSnapshot() []byte
	SignalSnapshot() []byte
	// ApplySignals 用完整的信号机状态覆盖本地状态
	ApplySignals(state []byte) error

	// LoadCar 按相对路径加载车辆定义
	LoadCar(path string) (models.Car, error)
	// Clock 返回模拟时钟（秒）
	Clock() float64
}

// ClockSetter 是可选接口，支持按主机的 TIMECHECK 校正时钟
type ClockSetter interface {
	SetClock(seconds float64)
}
