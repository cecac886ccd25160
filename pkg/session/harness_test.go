package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Metaphorme/railsync/pkg/message"
	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/world"
)

// recorder 记录发给本地用户的通知与聊天
type recorder struct {
	mu      sync.Mutex
	notices []string
	chats   []string
}

func (r *recorder) Notice(from, text string, fatal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, text)
}

func (r *recorder) Chat(from, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, from+": "+text)
}

func (r *recorder) Chats() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chats...)
}

func (r *recorder) Notices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notices...)
}

// endpoint 是内存连接的一端。发出的消息在 pump 时经过编解码投递到对端。
type endpoint struct {
	id       string
	owner    *Manager
	remote   *endpoint
	out      []message.Message
	received []message.Message
	closed   bool
	hungUp   bool
}

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) Send(m message.Message) error {
	if e.closed {
		return errors.New("connection closed")
	}
	e.out = append(e.out, m)
	return nil
}

func (e *endpoint) Close() error {
	e.closed = true
	return nil
}

type node struct {
	name  string
	world *world.Memory
	m     *Manager
	notes *recorder
}

// addTrain 在本地世界放一列由自己驾驶的列车
func (n *node) addTrain(t *testing.T, number int, prefix string, cars int) *models.Train {
	tr := &models.Train{
		Number:         number,
		Name:           prefix,
		LeadLocomotive: 0,
		MaxSpeed:       30,
		Owner:          n.name,
		Control:        models.ControlLocal,
		Pos:            models.Position{TileX: -6, TileZ: 14, X: 100, Z: 200},
	}
	for i := range cars {
		tr.Cars = append(tr.Cars, models.Car{
			ID:     fmt.Sprintf("%s-%d", prefix, i),
			Path:   "trainset\\" + prefix + ".wag",
			Length: 15,
		})
	}
	require.NoError(t, n.world.AddTrain(tr))
	return tr
}

// cluster 是同一个模拟时钟下的若干进程
type cluster struct {
	t     *testing.T
	clock float64
	nodes []*node
	ends  []*endpoint
}

func newCluster(t *testing.T) *cluster { return &cluster{t: t} }

func (c *cluster) add(name string, opts ...Option) *node {
	w := world.NewMemory(4, 2)
	w.SetClock(c.clock)
	r := &recorder{}
	base := []Option{WithUser(name), WithNotifier(r), WithLogger(slog.New(slog.DiscardHandler))}
	n := &node{name: name, world: w, m: New(w, append(base, opts...)...), notes: r}
	c.nodes = append(c.nodes, n)
	return n
}

// attach 在主机上登记一条入站连接，返回主机端与对端
func (c *cluster) attach(host *node) (*endpoint, *endpoint) {
	id := fmt.Sprintf("conn-%d", len(c.ends))
	h := &endpoint{id: id, owner: host.m}
	p := &endpoint{id: id}
	h.remote, p.remote = p, h
	host.m.Attach(h)
	return h, p
}

// connect 让 part 加入 host，返回主机端与参与者端
func (c *cluster) connect(host, part *node) (*endpoint, *endpoint) {
	h, p := c.attach(host)
	p.owner = part.m
	part.m.Join(p)
	c.ends = append(c.ends, h, p)
	return h, p
}

// pump 投递所有排队的消息直到没有新的消息
func (c *cluster) pump() {
	for progress := true; progress; {
		progress = false
		for _, e := range c.ends {
			out := e.out
			e.out = nil
			for _, msg := range out {
				progress = true
				c.deliver(e.remote, msg)
			}
			if e.closed && !e.hungUp {
				progress = true
				c.hangup(e, nil)
			}
		}
	}
}

func (c *cluster) deliver(to *endpoint, msg message.Message) {
	if to.hungUp || to.owner == nil {
		return
	}
	decoded, err := message.Decode(message.Encode(msg))
	require.NoError(c.t, err)
	to.received = append(to.received, decoded)
	if err := to.owner.Receive(to, decoded); models.IsFatal(err) {
		to.closed = true
	}
}

// hangup 模拟连接断开，两端各自收到 Closed
func (c *cluster) hangup(e *endpoint, cause error) {
	e.closed, e.hungUp = true, true
	e.remote.closed, e.remote.hungUp = true, true
	if e.owner != nil {
		e.owner.Closed(e, cause)
	}
	if e.remote.owner != nil {
		e.remote.owner.Closed(e.remote, cause)
	}
}

// tickAll 在当前时刻让所有进程执行几轮 Tick，使排队的工作与回复都落地
func (c *cluster) tickAll() {
	for _, n := range c.nodes {
		n.world.SetClock(c.clock)
	}
	for range 3 {
		for _, n := range c.nodes {
			n.m.Tick()
		}
		c.pump()
	}
}

// runUntil 以一秒为步长推进时钟
func (c *cluster) runUntil(t float64) {
	for c.clock < t {
		c.clock = min(c.clock+1, t)
		c.tickAll()
	}
}

func byTag(msgs []message.Message, tag string) []message.Message {
	var out []message.Message
	for _, m := range msgs {
		if m.Tag() == tag {
			out = append(out, m)
		}
	}
	return out
}

func tagsOf(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Tag()
	}
	return out
}
