package session

import (
	"log/slog"
	"time"

	"github.com/Metaphorme/railsync/pkg/models"
)

// Profile 是加入请求中除列车以外的本地信息
type Profile struct {
	Code      string
	Avatar    string
	Consist   string
	Path      string
	Season    int
	Weather   int
	Headlight int
}

type settings struct {
	user     string
	logger   *slog.Logger
	lost     LostCache
	journal  Journal
	breaker  *Breaker
	notifier Notifier
	hooks    Hooks
	profile  Profile

	route      string
	hash       string
	listenAddr string

	moveInterval   float64
	switchInterval float64
	boostWindow    float64
	aliveInterval  float64
	timeInterval   float64
	grace          float64
	redirectWait   float64
	proximity      float64
	missingLimit   int
}

func defaultSettings() settings {
	return settings{
		user:           "player",
		logger:         slog.Default(),
		hash:           models.HashNotApplicable,
		moveInterval:   1,
		switchInterval: 10,
		boostWindow:    60,
		aliveInterval:  30,
		timeInterval:   60,
		grace:          600,
		redirectWait:   30,
		proximity:      1000,
		missingLimit:   5,
	}
}

// Option 配置 Manager
type Option func(*settings)

// WithUser 设置本地用户名
func WithUser(name string) Option { return func(s *settings) { s.user = name } }

// WithLogger 设置日志记录器
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLostCache 替换断线保留缓存的实现（例如 sqlite）
func WithLostCache(c LostCache) Option { return func(s *settings) { s.lost = c } }

// WithJournal 记录参与者的加入与离开
func WithJournal(j Journal) Option { return func(s *settings) { s.journal = j } }

// WithBreaker 替换畸形消息熔断器
func WithBreaker(b *Breaker) Option { return func(s *settings) { s.breaker = b } }

// WithNotifier 设置本地通知的接收者
func WithNotifier(n Notifier) Option { return func(s *settings) { s.notifier = n } }

// WithHooks 设置主机交接所需的传输层回调
func WithHooks(h Hooks) Option { return func(s *settings) { s.hooks = h } }

// WithProfile 设置加入请求中的本地信息
func WithProfile(p Profile) Option { return func(s *settings) { s.profile = p } }

// WithRouteName 设置线路名称，加入时必须与主机一致
func WithRouteName(name string) Option { return func(s *settings) { s.route = name } }

// WithIntegrityHash 设置世界定义文件的哈希；空值表示无法计算
func WithIntegrityHash(h string) Option {
	return func(s *settings) {
		if h == "" {
			h = models.HashNotApplicable
		}
		s.hash = h
	}
}

// WithAider 设置本进程被选为主机时对外宣告的监听地址
func WithAider(listenAddr string) Option { return func(s *settings) { s.listenAddr = listenAddr } }

// WithSwitchInterval 设置道岔/信号机差分的广播周期
func WithSwitchInterval(d time.Duration) Option {
	return func(s *settings) { s.switchInterval = d.Seconds() }
}

// WithBoostWindow 设置有人加入后加速广播的时长
func WithBoostWindow(d time.Duration) Option {
	return func(s *settings) { s.boostWindow = d.Seconds() }
}

// WithGraceWindow 设置断线参与者列车的保留时长
func WithGraceWindow(d time.Duration) Option {
	return func(s *settings) { s.grace = d.Seconds() }
}

// WithRedirectTimeout 设置交接后等待重新加入新主机的时长，超时则回到离线模式
func WithRedirectTimeout(d time.Duration) Option {
	return func(s *settings) { s.redirectWait = d.Seconds() }
}

// WithProximity 设置重连匹配允许的最大平方距离
func WithProximity(d2 float64) Option { return func(s *settings) { s.proximity = d2 } }

// WithMissingTrainLimit 设置连续找不到列车多少次后向主机请求
func WithMissingTrainLimit(n int) Option { return func(s *settings) { s.missingLimit = n } }
