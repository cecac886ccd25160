// Package config 汇总命令行参数并转换为各组件的选项
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/Metaphorme/railsync/internal/logging"
	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/session"
)

// Config 是 railsync 进程的全部可调参数
type Config struct {
	User     string
	Avatar   string
	LogLevel string

	Port        int    // libp2p 监听端口
	TCPListen   string // 可选的纯 TCP 监听地址，如 ":30001"
	PublicAddrs string // 逗号分隔，覆盖自动探测的对外地址
	AllowLocal  bool   // 对外宣告时保留私有地址
	NATMap      bool

	Route     string
	RouteFile string // 用于计算完整性哈希的世界定义文件
	Consist   []string

	Code       string // 会话码
	Rendezvous string // rendezvous 节点 multiaddr
	LAN        bool   // 同时在局域网 mDNS 上公布/查找

	StatusListen string // 主机状态接口监听地址，空表示关闭
	DBPath       string // sqlite 路径，空表示只用内存
	IdentityPath string
	Aider        bool // 愿意在主机离开时接管

	TickInterval   time.Duration
	SwitchInterval time.Duration
	GraceWindow    time.Duration
	MissingLimit   int

	RateReqWindow  time.Duration
	RateMaxReqs    int
	RateFailWindow time.Duration
	RateMaxFails   int
}

// Default 返回默认配置
func Default() Config {
	return Config{
		User:           "player",
		LogLevel:       "info",
		Port:           models.DefaultPort,
		Route:          "demo",
		IdentityPath:   "./railsync.key",
		TickInterval:   100 * time.Millisecond,
		SwitchInterval: 10 * time.Second,
		GraceWindow:    10 * time.Minute,
		MissingLimit:   5,
		RateReqWindow:  time.Minute,
		RateMaxReqs:    120,
		RateFailWindow: 10 * time.Minute,
		RateMaxFails:   30,
	}
}

// Bind 把字段绑定到命令行参数
func (c *Config) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&c.User, "user", "u", c.User, "user name shown to other participants")
	fs.StringVar(&c.Avatar, "avatar", c.Avatar, "avatar image URL")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "libp2p listen port")
	fs.StringVar(&c.TCPListen, "tcp-listen", c.TCPListen, "also accept plain TCP connections on this address")
	fs.StringVar(&c.PublicAddrs, "public-addrs", c.PublicAddrs, "comma-separated multiaddrs to announce instead of the detected ones")
	fs.BoolVar(&c.AllowLocal, "allow-local", c.AllowLocal, "announce loopback and private addresses")
	fs.BoolVar(&c.NATMap, "nat", c.NATMap, "try UPnP/NAT-PMP port mapping")
	fs.StringVarP(&c.Route, "route", "r", c.Route, "route name; participants must match the host")
	fs.StringVar(&c.RouteFile, "route-file", c.RouteFile, "world definition file hashed for integrity checks")
	fs.StringSliceVar(&c.Consist, "consist", c.Consist, "car files making up the local train")
	fs.StringVarP(&c.Code, "code", "c", c.Code, "session code '<nameplate>-<word>-<word>'")
	fs.StringVar(&c.Rendezvous, "rendezvous", c.Rendezvous, "rendezvous point multiaddr used to publish or find the code")
	fs.BoolVar(&c.LAN, "lan", c.LAN, "publish or browse the code with mDNS")
	fs.StringVar(&c.StatusListen, "status-listen", c.StatusListen, "serve the HTTP status plane on this address")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "sqlite path for lost participants and the journal")
	fs.StringVar(&c.IdentityPath, "identity", c.IdentityPath, "host key file, created on first use; empty for a throwaway key")
	fs.BoolVar(&c.Aider, "aider", c.Aider, "offer to take over hosting when trusted")
	fs.DurationVar(&c.TickInterval, "tick", c.TickInterval, "simulation tick")
	fs.DurationVar(&c.SwitchInterval, "switch-interval", c.SwitchInterval, "switch and signal diff period")
	fs.DurationVar(&c.GraceWindow, "grace", c.GraceWindow, "how long a lost participant's train is kept")
	fs.IntVar(&c.MissingLimit, "missing-limit", c.MissingLimit, "unknown-train updates before asking the host for it")
	fs.DurationVar(&c.RateReqWindow, "rate-req-window", c.RateReqWindow, "per-IP request rate window")
	fs.IntVar(&c.RateMaxReqs, "rate-max-reqs", c.RateMaxReqs, "max requests per IP within req-window")
	fs.DurationVar(&c.RateFailWindow, "rate-fail-window", c.RateFailWindow, "per-IP failures window")
	fs.IntVar(&c.RateMaxFails, "rate-max-fails", c.RateMaxFails, "max failures per IP within fail-window")
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	var errs []error
	if c.User == "" || c.User == "-" || strings.ContainsAny(c.User, " \t\r\n,*") {
		errs = append(errs, fmt.Errorf("invalid user name %q", c.User))
	}
	if strings.ContainsAny(c.Route, "\t\r\n") {
		errs = append(errs, fmt.Errorf("invalid route name %q", c.Route))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.TickInterval <= 0 || c.SwitchInterval <= 0 || c.GraceWindow <= 0 {
		errs = append(errs, errors.New("intervals must be positive"))
	}
	if c.MissingLimit < 1 {
		errs = append(errs, errors.New("missing-limit must be at least 1"))
	}
	if c.RateReqWindow <= 0 || c.RateFailWindow <= 0 || c.RateMaxReqs < 1 || c.RateMaxFails < 1 {
		errs = append(errs, errors.New("invalid rate limit"))
	}
	return errors.Join(errs...)
}

// Level 返回日志级别，Validate 之后调用
func (c *Config) Level() slog.Level {
	l, _ := logging.ParseLevel(c.LogLevel)
	return l
}

// SessionOptions 把配置转换为会话管理器选项
func (c *Config) SessionOptions(log *slog.Logger, hash string, extra ...session.Option) []session.Option {
	opts := []session.Option{
		session.WithUser(c.User),
		session.WithLogger(log),
		session.WithRouteName(c.Route),
		session.WithIntegrityHash(hash),
		session.WithSwitchInterval(c.SwitchInterval),
		session.WithGraceWindow(c.GraceWindow),
		session.WithMissingTrainLimit(c.MissingLimit),
		session.WithProfile(session.Profile{Code: c.Code, Avatar: c.Avatar}),
	}
	return append(opts, extra...)
}
