package models

import "strconv"

// 协议常量
const (
	// ProtocolVersion 加入会话时必须与主机完全一致
	ProtocolVersion = 15
	// ProtoSession 是会话流使用的 libp2p 协议 ID
	ProtoSession = "/railsync/1.0.0/session"
	// DefaultPort 是主机监听的固定端口
	DefaultPort = 30000
	// HashNotApplicable 表示一方无法计算内容完整性哈希，此时跳过比较
	HashNotApplicable = "NA"
	// TileSize 是一个瓦片的边长（世界坐标单位）
	TileSize = 2048.0
)

// Role 表示进程在会话中的角色
type Role int

const (
	// RoleOffline 表示单机模式，未加入任何会话
	RoleOffline Role = iota
	RoleHost
	RoleParticipant
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleParticipant:
		return "participant"
	default:
		return "offline"
	}
}

// State 是参与者的生命周期状态
type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateActive
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	default:
		return "disconnected"
	}
}

// ParticipantStatus 是注册表中参与者的状态
type ParticipantStatus int

const (
	StatusActive ParticipantStatus = iota
	StatusDisconnected
	StatusEvicted
)

func (s ParticipantStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusEvicted:
		return "evicted"
	default:
		return "active"
	}
}

// ControlMode 描述列车由谁驱动
type ControlMode int

const (
	// ControlStatic 无人驾驶的静止列车，由主机权威维护
	ControlStatic ControlMode = iota
	// ControlLocal 由本进程的玩家驾驶
	ControlLocal
	// ControlRemote 由远端参与者驾驶，本地只接收位置
	ControlRemote
	// ControlAI 由主机上的 AI 驾驶
	ControlAI
)

func (c ControlMode) String() string {
	switch c {
	case ControlLocal:
		return "local"
	case ControlRemote:
		return "remote"
	case ControlAI:
		return "ai"
	default:
		return "static"
	}
}

// Position 是瓦片坐标加瓦片内偏移
type Position struct {
	TileX int
	TileZ int
	X     float64
	Z     float64
}

// DistanceSquared 返回两点之间的平方距离，跨瓦片时按 TileSize 展开
func (p Position) DistanceSquared(o Position) float64 {
	dx := float64(p.TileX-o.TileX)*TileSize + p.X - o.X
	dz := float64(p.TileZ-o.TileZ)*TileSize + p.Z - o.Z
	return dx*dx + dz*dz
}

// Exhaust 是机车排气粒子参数
type Exhaust struct {
	Rate      float64
	Velocity  float64
	Magnitude float64
}

// Car 是列车中的一节车辆
type Car struct {
	ID          string
	Path        string // 相对内容目录的车辆文件路径
	Flipped     bool
	Length      float64
	FreightAnim string
	Exhaust     Exhaust
}

// LocoControls 是领头机车的操纵值
type LocoControls struct {
	Throttle     float64
	TrainBrake   float64
	EngineBrake  float64
	DynamicBrake float64
	Reverser     float64
}

// Train 是同步的基本单位
type Train struct {
	Number         int
	Name           string
	Cars           []Car
	LeadLocomotive int
	Pos            Position
	Speed          float64
	Distance       float64
	Direction      int // 0 前进，1 后退
	MaxSpeed       float64
	Control        ControlMode
	Owner          string
	Controls       LocoControls
}

// CarIDs 返回有序的车辆 ID 列表
func (t *Train) CarIDs() []string {
	ids := make([]string, len(t.Cars))
	for i, c := range t.Cars {
		ids[i] = c.ID
	}
	return ids
}

// FirstCarID 返回首节车辆 ID，列车为空时返回空串
func (t *Train) FirstCarID() string {
	if len(t.Cars) == 0 {
		return ""
	}
	return t.Cars[0].ID
}

// Label 用于日志
func (t *Train) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return "train-" + strconv.Itoa(t.Number)
}

// SameCars 判断两个车辆列表的 ID 序列是否一致
func SameCars(a, b []Car) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
