package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/host"

	"github.com/Metaphorme/railsync/internal/config"
	"github.com/Metaphorme/railsync/internal/logging"
	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/p2p"
	"github.com/Metaphorme/railsync/pkg/routehash"
	"github.com/Metaphorme/railsync/pkg/server"
	"github.com/Metaphorme/railsync/pkg/session"
	"github.com/Metaphorme/railsync/pkg/store"
	"github.com/Metaphorme/railsync/pkg/transport"
	"github.com/Metaphorme/railsync/pkg/ui"
	"github.com/Metaphorme/railsync/pkg/world"
)

// demoConsist 是未指定 --consist 时使用的列车
var demoConsist = []string{
	`trainset\demo\class37.eng`,
	`trainset\demo\mk1_brake.wag`,
	`trainset\demo\mk1_coach.wag`,
}

// app 是 host 与 join 共用的运行时
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	world   *world.Memory
	m       *session.Manager
	hub     *transport.Hub
	h       host.Host
	db      *store.DB // 可以为 nil
	console *ui.Console
	addrs   []string // 对外宣告的 multiaddr
}

// newApp 构造会话所需的全部组件，调用方负责 close
func newApp(ctx context.Context, cfg *config.Config, prompt string) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logging.Init(cfg.Level())}

	console, err := ui.NewConsole(prompt)
	if err != nil {
		return nil, fmt.Errorf("console: %w", err)
	}
	a.console = console

	a.world = world.NewMemory(16, 16)
	if err := a.loadConsist(); err != nil {
		a.close()
		return nil, err
	}

	var extra []session.Option
	if cfg.DBPath != "" {
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("open db: %w", err)
		}
		a.db = db
		extra = append(extra, session.WithLostCache(db), session.WithJournal(db))
	}

	hc := p2p.HostConfig{Listen: p2p.ListenAddrs(cfg.Port), NATMap: cfg.NATMap}
	if cfg.IdentityPath != "" {
		if hc.Identity, err = p2p.LoadOrCreateIdentity(cfg.IdentityPath); err != nil {
			a.close()
			return nil, fmt.Errorf("identity: %w", err)
		}
	}
	if a.h, err = p2p.NewHost(hc); err != nil {
		a.close()
		return nil, fmt.Errorf("libp2p host: %w", err)
	}
	a.addrs = server.AdvertisedAddrs(a.h, cfg.PublicAddrs, cfg.AllowLocal)
	if cfg.Aider && len(a.addrs) > 0 {
		extra = append(extra, session.WithAider(a.addrs[0]))
	}

	hash := routehash.HashOrNA(cfg.RouteFile)
	extra = append(extra,
		session.WithNotifier(console),
		session.WithHooks(session.Hooks{
			Promote:  a.promote,
			Redirect: func(addr string) error { return a.redirect(ctx, addr) },
		}),
	)
	a.m = session.New(a.world, cfg.SessionOptions(a.log, hash, extra...)...)
	a.hub = transport.NewHub(a.h, a.m, a.log)

	if cfg.RouteFile != "" {
		go func() {
			if err := routehash.Watch(ctx, cfg.RouteFile, a.m, a.log); err != nil {
				a.log.Warn("route file watch stopped", "path", cfg.RouteFile, "err", err)
			}
		}()
	}
	return a, nil
}

// loadConsist 把本地列车放进世界
func (a *app) loadConsist() error {
	paths := a.cfg.Consist
	if len(paths) == 0 {
		paths = demoConsist
	}
	t, failed := buildTrain(a.world, a.cfg.User, paths, a.console.Stdout())
	for _, p := range failed {
		a.console.Notice("", "could not load "+p, false)
	}
	if t == nil {
		return fmt.Errorf("no car of the consist could be loaded")
	}
	return a.world.AddTrain(t)
}

// buildTrain 加载 paths 中的车辆，组成由 user 驾驶的列车
func buildTrain(w *world.Memory, user string, paths []string, out io.Writer) (*models.Train, []string) {
	t := &models.Train{
		Number:   w.NextTrainNumber(),
		Name:     user + "'s train",
		Owner:    user,
		Control:  models.ControlLocal,
		MaxSpeed: 40,
		Controls: models.LocoControls{Throttle: 0.25},
	}
	failed := ui.LoadConsist(out, t.Name, paths, func(path string) error {
		car, err := w.LoadCar(path)
		if err != nil {
			return err
		}
		car.ID = fmt.Sprintf("%s-%d", user, len(t.Cars))
		if car.Length == 0 {
			car.Length = 20
		}
		t.Cars = append(t.Cars, car)
		return nil
	})
	if len(t.Cars) == 0 {
		return nil, failed
	}
	return t, failed
}

// promote 在被选为新主机后开始接受连接
func (a *app) promote() error {
	a.hub.Start()
	a.console.SetPrompt(a.cfg.User + "@host> ")
	return nil
}

// redirect 连接新的主机并重新加入。新主机可能还没开始监听，失败后稍等重试。
func (a *app) redirect(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var peer *transport.Peer
	var err error
	for attempt := 0; ; attempt++ {
		if peer, err = transport.Connect(ctx, a.h, addr, a.m, a.log); err == nil {
			break
		}
		if attempt == 2 {
			return err
		}
		a.log.Debug("redirect dial failed", "addr", addr, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(2 * time.Second):
		}
	}
	a.m.Join(peer)
	peer.Start()
	a.printPath(addr)
	return nil
}

// printPath 打印到 libp2p 主机的连接路径
func (a *app) printPath(addr string) {
	if !strings.HasPrefix(addr, "/") {
		return
	}
	ai, err := p2p.AddrInfo(addr)
	if err != nil {
		return
	}
	if conns := a.h.Network().ConnsToPeer(ai.ID); len(conns) > 0 {
		ui.PrintConnCard(a.console, p2p.Classify(conns[0]))
	}
}

// simulate 驱动演示模拟器：推进时钟，移动本地列车，然后运行会话的一个周期
func (a *app) simulate(ctx context.Context) {
	tick := time.NewTicker(a.cfg.TickInterval)
	defer tick.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			dt := now.Sub(last).Seconds()
			last = now
			a.world.Advance(dt)
			drive(a.world, a.cfg.User, dt)
			a.m.Tick()
		}
	}
}

// drive 按操纵值推进本地列车
func drive(w *world.Memory, user string, dt float64) {
	t := w.TrainByOwner(user)
	if t == nil || t.Control != models.ControlLocal {
		return
	}
	target := t.Controls.Throttle * t.MaxSpeed
	if t.Speed < target {
		t.Speed = min(target, t.Speed+0.5*dt)
	} else if t.Speed > target {
		t.Speed = max(target, t.Speed-0.8*dt)
	}
	step := t.Speed * dt
	if t.Direction == 1 {
		step = -step
	}
	t.Distance += step
	t.Pos.X += step
	for t.Pos.X >= models.TileSize {
		t.Pos.X -= models.TileSize
		t.Pos.TileX++
	}
	for t.Pos.X < 0 {
		t.Pos.X += models.TileSize
		t.Pos.TileX--
	}
}

// signalContext 在收到 SIGINT/SIGTERM 时取消
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) close() {
	if a.hub != nil {
		a.hub.Stop()
	}
	if a.h != nil {
		_ = a.h.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.console != nil {
		a.console.Close()
	}
}
