// Package session 实现会话管理器：角色与生命周期状态机、参与者注册表、
// 列车所有权表、断线保留缓存以及按模拟时钟驱动的周期广播。
//
// 接收协程只在锁内更新注册表、所有权与角色；对世界模型的一切访问都被排入
// pending 队列，由模拟线程在 Tick 开头按顺序执行。
package session

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/Metaphorme/railsync/pkg/message"
	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/snapshot"
	"github.com/Metaphorme/railsync/pkg/world"
)

// Conn 是到一个对端的双工连接。Send 不得阻塞，也不得同步回调 Manager。
type Conn interface {
	ID() string
	Send(m message.Message) error
	Close() error
}

// Notifier 接收需要展示给本地用户的通知。在 Manager 的锁内调用。
type Notifier interface {
	Notice(from, text string, fatal bool)
	Chat(from, text string)
}

// Event 是参与者进出会话的一条记录，Clock 为模拟时钟秒数
type Event struct {
	User  string
	Kind  string // join、rejoin、quit、lost、kick、expire
	Train int
	Clock float64
}

// Journal 保存 Event，供主机事后查看
type Journal interface {
	Record(e Event) error
}

// Hooks 是主机交接时需要传输层配合的动作，均在新的协程中调用
type Hooks struct {
	// Promote 在本进程被选为新主机时调用，应开始接受连接
	Promote func() error
	// Redirect 要求连接到 addr 处的新主机并重新加入（成功时调用 Join）。
	// 返回错误时会话回退到离线模式。
	Redirect func(addr string) error
}

// Participant 是注册表中的一项
type Participant struct {
	Name     string
	Train    int // 当前驾驶的列车，0 表示没有
	LeadID   string
	Avatar   string
	Consist  string
	Path     string
	Created  float64
	LastSeen float64
	Status   models.ParticipantStatus
	Aider    bool

	join *message.Player // 最近一次加入请求，转发给后来者
	link *link
}

// link 是主机侧的一条参与者连接。同名加入被拒的连接始终没有 user，
// 它的断开或后续消息都不会影响已在会话中的同名参与者。
type link struct {
	conn Conn
	user string // PLAYER 校验通过前为空
}

// Manager 是每个进程一个的会话上下文
type Manager struct {
	mu    sync.Mutex
	world world.Adapter
	cfg   settings
	log   *slog.Logger

	role  models.Role
	state models.State

	uplink      Conn
	hostName    string
	hostAddr    string
	redirecting bool
	redirectAt  float64 // 开始重定向的模拟时刻
	aider       bool
	handoff     bool

	links    map[string]*link
	registry map[string]*Participant
	owners   map[int]string // 列车编号 -> 驾驶者

	lost    LostCache
	breaker *Breaker
	cache   *snapshot.Cache
	misses  map[int]int
	pending []func()

	now       float64
	skew      float64
	lastMove  float64
	lastSync  float64
	lastAlive float64
	lastTime  float64
	boostEnd  float64
	forceSync bool
	moving    map[int]bool
	controls  map[int]models.LocoControls
}

// New 创建一个离线状态的会话管理器
func New(w world.Adapter, opts ...Option) *Manager {
	cfg := defaultSettings()
	for _, o := range opts {
		o(&cfg)
	}
	m := &Manager{
		world:    w,
		cfg:      cfg,
		log:      cfg.logger,
		links:    make(map[string]*link),
		registry: make(map[string]*Participant),
		owners:   make(map[int]string),
		lost:     cfg.lost,
		breaker:  cfg.breaker,
		cache:    snapshot.NewCache(),
		misses:   make(map[int]int),
		moving:   make(map[int]bool),
		controls: make(map[int]models.LocoControls),
	}
	if m.lost == nil {
		m.lost = NewMemoryLostCache()
	}
	if m.breaker == nil {
		m.breaker = NewBreaker(defaultBreakerWindow, defaultBreakerMax)
	}
	m.log = m.log.With("user", cfg.user)
	return m
}

// User 返回本地用户名
func (m *Manager) User() string { return m.cfg.user }

// Role 返回当前角色
func (m *Manager) Role() models.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// State 返回参与者生命周期状态
func (m *Manager) State() models.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Owner 返回列车的驾驶者
func (m *Manager) Owner(train int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.owners[train]
	return u, ok
}

// Participant 返回注册表项的副本
func (m *Manager) Participant(name string) (Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.registry[name]
	if !ok {
		return Participant{}, false
	}
	cp := *p
	cp.join, cp.link = nil, nil
	return cp, true
}

// ParticipantStatus 是 Status 中的一项
type ParticipantStatus struct {
	Name     string  `json:"name"`
	Train    int     `json:"train"`
	Status   string  `json:"status"`
	Aider    bool    `json:"aider"`
	LastSeen float64 `json:"last_seen"`
	Avatar   string  `json:"avatar,omitempty"`
}

// Status 是会话的只读快照
type Status struct {
	User         string              `json:"user"`
	Role         string              `json:"role"`
	State        string              `json:"state"`
	Host         string              `json:"host,omitempty"`
	Clock        float64             `json:"clock"`
	Skew         float64             `json:"skew"`
	Participants []ParticipantStatus `json:"participants"`
	Lost         []LostEntry         `json:"lost"`
	Owners       map[int]string      `json:"owners"`
}

// Status 返回当前会话状态
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		User:   m.cfg.user,
		Role:   m.role.String(),
		State:  m.state.String(),
		Host:   m.hostName,
		Clock:  m.now,
		Skew:   m.skew,
		Owners: make(map[int]string, len(m.owners)),
	}
	for n, u := range m.owners {
		st.Owners[n] = u
	}
	for _, p := range m.registry {
		st.Participants = append(st.Participants, ParticipantStatus{
			Name:     p.Name,
			Train:    p.Train,
			Status:   p.Status.String(),
			Aider:    p.Aider,
			LastSeen: p.LastSeen,
			Avatar:   p.Avatar,
		})
	}
	sort.Slice(st.Participants, func(i, j int) bool { return st.Participants[i].Name < st.Participants[j].Name })
	if lost, err := m.lost.All(); err == nil {
		st.Lost = lost
	}
	return st
}

// stage 把一次世界访问排入队列，在下一次 Tick 执行。调用方持有锁。
func (m *Manager) stage(f func()) { m.pending = append(m.pending, f) }

// send 向单个连接发送，失败只记录日志，连接错误由读协程处理
func (m *Manager) send(c Conn, msg message.Message) {
	if c == nil {
		return
	}
	if err := c.Send(msg); err != nil {
		m.log.Debug("send failed", "peer", c.ID(), "tag", msg.Tag(), "err", err)
	}
}

// broadcast 主机向所有已加入的参与者发送（except 除外）；参与者发往主机
func (m *Manager) broadcast(msg message.Message, except Conn) {
	switch m.role {
	case models.RoleHost:
		for _, l := range m.links {
			if l.user == "" || (except != nil && l.conn.ID() == except.ID()) {
				continue
			}
			m.send(l.conn, msg)
		}
	case models.RoleParticipant:
		m.send(m.uplink, msg)
	}
}

// setOwner 更新所有权表与注册表，保证一列车最多一个驾驶者
func (m *Manager) setOwner(train int, user string) {
	if prev, ok := m.owners[train]; ok && prev != user {
		if p := m.registry[prev]; p != nil && p.Train == train {
			p.Train = 0
		}
	}
	if p := m.registry[user]; p != nil {
		if p.Train != 0 && p.Train != train && m.owners[p.Train] == user {
			delete(m.owners, p.Train)
		}
		p.Train = train
	}
	m.owners[train] = user
}

// clearOwner 解除列车的所有权
func (m *Manager) clearOwner(train int) {
	if u, ok := m.owners[train]; ok {
		if p := m.registry[u]; p != nil && p.Train == train {
			p.Train = 0
		}
		delete(m.owners, train)
	}
}

// releaseTrain 在模拟线程上把列车交回主机维护（静止）
func (m *Manager) releaseTrain(number int) {
	if t := m.world.Train(number); t != nil && t.Control != models.ControlLocal {
		t.Control = models.ControlStatic
		t.Owner = ""
	}
}

// ownTrain 在模拟线程上按所有权设置列车的控制模式
func (m *Manager) ownTrain(t *models.Train, user string) {
	t.Owner = user
	if user == m.cfg.user {
		t.Control = models.ControlLocal
	} else {
		t.Control = models.ControlRemote
	}
}

// record 写入参与者事件日志，调用方持有锁
func (m *Manager) record(user, kind string, train int) {
	if m.cfg.journal == nil {
		return
	}
	if err := m.cfg.journal.Record(Event{User: user, Kind: kind, Train: train, Clock: m.now}); err != nil {
		m.log.Warn("journal record", "participant", user, "event", kind, "err", err)
	}
}

// notify 把通知交给本地界面
func (m *Manager) notify(from, text string, fatal bool) {
	if m.cfg.notifier != nil {
		m.cfg.notifier.Notice(from, text, fatal)
	}
}
