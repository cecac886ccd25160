package message

import (
	"strconv"
	"strings"

	"github.com/Metaphorme/railsync/pkg/models"
)

// Player 是加入请求；主机校验后原样转发给所有人作为加入确认
type Player struct {
	User        string
	Code        string // 会话码，空值在线路上写作 "-"
	TrainNumber int
	Pos         models.Position
	Distance    float64
	MaxSpeed    float64
	Clock       float64
	Season      int
	Weather     int
	Pantographs [4]bool
	CabSide     int
	Headlight   int

	LeadID    string
	Consist   string
	Route     string
	Path      string
	Direction int
	Avatar    string
	Cars      []models.Car

	Version int
	Hash    string
}

func (*Player) Tag() string { return TagPlayer }

func (m *Player) encode(w *writer) {
	w.str(m.User)
	w.str(m.Code)
	w.int(m.TrainNumber)
	w.int(m.Pos.TileX)
	w.int(m.Pos.TileZ)
	w.float(m.Pos.X)
	w.float(m.Pos.Z)
	w.float(m.Distance)
	w.float(m.MaxSpeed)
	w.float(m.Clock)
	w.int(m.Season)
	w.int(m.Weather)
	for _, p := range m.Pantographs {
		w.flag(p)
	}
	w.int(m.CabSide)
	w.int(m.Headlight)
	for _, s := range []string{m.LeadID, m.Consist, m.Route, m.Path, strconv.Itoa(m.Direction), m.Avatar, encodeCars(m.Cars)} {
		w.sep('\r')
		w.raw(s)
	}
	w.sep('\r')
	w.int(m.Version)
	if m.Hash == "" {
		w.str(models.HashNotApplicable)
	} else {
		w.str(m.Hash)
	}
}

func (m *Player) decode(body string) error {
	parts := strings.Split(body, "\r")
	if len(parts) < 9 {
		return malformed(TagPlayer, "want at least 9 sections, got %d", len(parts))
	}
	sc := newScanner(TagPlayer, parts[0])
	m.User = sc.str()
	m.Code = sc.str()
	m.TrainNumber = sc.int()
	m.Pos = models.Position{TileX: sc.int(), TileZ: sc.int(), X: sc.float(), Z: sc.float()}
	m.Distance = sc.float()
	m.MaxSpeed = sc.float()
	m.Clock = sc.float()
	m.Season = sc.int()
	m.Weather = sc.int()
	for i := range m.Pantographs {
		m.Pantographs[i] = sc.flag()
	}
	m.CabSide = sc.int()
	m.Headlight = sc.int()
	if err := sc.done(); err != nil {
		return err
	}

	m.LeadID, m.Consist, m.Route, m.Path = parts[1], parts[2], parts[3], parts[4]
	dir, err := strconv.Atoi(parts[5])
	if err != nil {
		return malformed(TagPlayer, "bad direction %q", parts[5])
	}
	m.Direction = dir
	m.Avatar = parts[6]

	// 车辆内部也以 \r 分隔，位于固定段与结尾段之间
	last := len(parts) - 1
	if m.Cars, err = decodeCars(TagPlayer, strings.Join(parts[7:last], "\r")); err != nil {
		return err
	}

	tr := newScanner(TagPlayer, parts[last])
	m.Version = tr.int()
	m.Hash = tr.str()
	return tr.done()
}

// Train 从加入请求构造列车
func (m *Player) Train() models.Train {
	t := models.Train{
		Number:         m.TrainNumber,
		Name:           m.User,
		Cars:           append([]models.Car(nil), m.Cars...),
		LeadLocomotive: -1,
		Pos:            m.Pos,
		Distance:       m.Distance,
		Direction:      m.Direction,
		MaxSpeed:       m.MaxSpeed,
		Owner:          m.User,
	}
	for i, c := range m.Cars {
		if c.ID == m.LeadID {
			t.LeadLocomotive = i
			break
		}
	}
	return t
}

// user 是只携带用户名的消息的公共部分
type user struct {
	User string
}

func (m *user) encode(w *writer) { w.str(m.User) }

func (m *user) decodeUser(tag, body string) error {
	sc := newScanner(tag, body)
	m.User = sc.str()
	return sc.done()
}

// Quit 参与者主动离开；由主机发出且指名他人时表示踢出
type Quit struct{ user }

func (*Quit) Tag() string               { return TagQuit }
func (m *Quit) decode(body string) error { return m.decodeUser(TagQuit, body) }

// NewQuit 构造 QUIT 消息
func NewQuit(name string) *Quit { return &Quit{user{name}} }

// Lost 通知对端某参与者已断线，其列车进入保留期
type Lost struct{ user }

func (*Lost) Tag() string               { return TagLost }
func (m *Lost) decode(body string) error { return m.decodeUser(TagLost, body) }

// NewLost 构造 LOST 消息
func NewLost(name string) *Lost { return &Lost{user{name}} }

// Alive 是保活消息
type Alive struct{ user }

func (*Alive) Tag() string               { return TagAlive }
func (m *Alive) decode(body string) error { return m.decodeUser(TagAlive, body) }

// NewAlive 构造 ALIVE 消息
func NewAlive(name string) *Alive { return &Alive{user{name}} }

// SameName 拒绝与已有参与者同名的加入者
type SameName struct{ user }

func (*SameName) Tag() string               { return TagSameName }
func (m *SameName) decode(body string) error { return m.decodeUser(TagSameName, body) }

// NewSameName 构造 SAMENAME 消息
func NewSameName(name string) *SameName { return &SameName{user{name}} }

// Notice 是 ERROR（Fatal）或 WARNING 文本。User 为 Everyone 时面向全体。
type Notice struct {
	Fatal bool
	User  string
	Text  string
}

func (m *Notice) Tag() string {
	if m.Fatal {
		return TagError
	}
	return TagWarning
}

func (m *Notice) encode(w *writer) {
	w.str(m.User)
	w.sep('\t')
	w.raw(m.Text)
}

func (m *Notice) decode(body string) error {
	head, text, ok := strings.Cut(body, "\t")
	if !ok {
		return malformed(m.Tag(), "missing text section")
	}
	sc := newScanner(m.Tag(), head)
	m.User = sc.str()
	m.Text = text
	return sc.done()
}

// Addressed 报告通知是否发给 name
func (m *Notice) Addressed(name string) bool { return m.User == Everyone || m.User == name }

// TimeCheck 是主机的模拟时钟
type TimeCheck struct {
	Clock float64
}

func (*TimeCheck) Tag() string { return TagTimeCheck }

func (m *TimeCheck) encode(w *writer) { w.float(m.Clock) }

func (m *TimeCheck) decode(body string) error {
	sc := newScanner(TagTimeCheck, body)
	m.Clock = sc.float()
	return sc.done()
}

// Control 是列车控制权的请求（Confirm=false）或主机的确认
type Control struct {
	Confirm  bool
	User     string
	Train    int
	MaxSpeed float64
}

func (*Control) Tag() string { return TagControl }

func (m *Control) encode(w *writer) {
	if m.Confirm {
		w.str("confirm")
	} else {
		w.str("request")
	}
	w.str(m.User)
	w.int(m.Train)
	w.float(m.MaxSpeed)
}

func (m *Control) decode(body string) error {
	sc := newScanner(TagControl, body)
	switch mode := sc.str(); mode {
	case "confirm":
		m.Confirm = true
	case "request":
	default:
		sc.fail("bad mode %q", mode)
	}
	m.User = sc.str()
	m.Train = sc.int()
	m.MaxSpeed = sc.float()
	return sc.done()
}

// Aider 增加或撤销受信任的助手，助手可以接替主机
type Aider struct {
	User string
	Add  bool
}

func (*Aider) Tag() string { return TagAider }

func (m *Aider) encode(w *writer) {
	w.str(m.User)
	if m.Add {
		w.str("add")
	} else {
		w.str("remove")
	}
}

func (m *Aider) decode(body string) error {
	sc := newScanner(TagAider, body)
	m.User = sc.str()
	switch op := sc.str(); op {
	case "add":
		m.Add = true
	case "remove":
	default:
		sc.fail("bad op %q", op)
	}
	return sc.done()
}

// HostQuery 询问谁可以接替主机
type HostQuery struct {
	Asker string
}

func (*HostQuery) Tag() string { return TagHostQuery }

func (m *HostQuery) encode(w *writer) { w.str(m.Asker) }

func (m *HostQuery) decode(body string) error {
	sc := newScanner(TagHostQuery, body)
	m.Asker = sc.str()
	return sc.done()
}

// addressed 是携带用户名和监听地址的消息的公共部分。
// 未宣告地址的主机发送的 Addr 为空
type addressed struct {
	User string
	Addr string
}

func (m *addressed) encode(w *writer) {
	w.str(m.User)
	w.str(m.Addr)
}

func (m *addressed) decodeAddr(tag, body string) error {
	sc := newScanner(tag, body)
	m.User = sc.str()
	m.Addr = sc.str()
	return sc.done()
}

// HostOffer 是助手对 HostQuery 的应答，先到者胜出
type HostOffer struct{ addressed }

func (*HostOffer) Tag() string               { return TagHostOffer }
func (m *HostOffer) decode(body string) error { return m.decodeAddr(TagHostOffer, body) }

// NewHostOffer 构造 HOSTOFFER 消息
func NewHostOffer(name, addr string) *HostOffer { return &HostOffer{addressed{name, addr}} }

// Server 宣布新的主机
type Server struct{ addressed }

func (*Server) Tag() string               { return TagServer }
func (m *Server) decode(body string) error { return m.decodeAddr(TagServer, body) }

// NewServer 构造 SERVER 消息
func NewServer(name, addr string) *Server { return &Server{addressed{name, addr}} }
