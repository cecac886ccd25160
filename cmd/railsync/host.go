package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Metaphorme/railsync/internal/config"
	"github.com/Metaphorme/railsync/pkg/discovery"
	"github.com/Metaphorme/railsync/pkg/server"
	"github.com/Metaphorme/railsync/pkg/ui"
)

const journalRetention = 7 * 24 * time.Hour

func runHost(parent context.Context, cfg *config.Config) error {
	ctx, stop := signalContext(parent)
	defer stop()

	a, err := newApp(ctx, cfg, cfg.User+"@host> ")
	if err != nil {
		return err
	}
	defer a.close()

	a.m.StartHost()
	a.hub.Start()
	if cfg.TCPListen != "" {
		ln, err := net.Listen("tcp", cfg.TCPListen)
		if err != nil {
			return fmt.Errorf("tcp listen: %w", err)
		}
		go func() {
			if err := a.hub.Serve(ln); err != nil {
				a.log.Error("tcp accept loop", "err", err)
			}
		}()
		a.console.Logf("plain TCP at %s", ln.Addr())
	}

	code := cfg.Code
	if code == "" {
		code = discovery.NewCode()
	}
	if err := a.publish(ctx, code); err != nil {
		return err
	}

	if cfg.StatusListen != "" {
		srv := a.statusServer()
		go func() {
			a.log.Info("status plane listening", "addr", cfg.StatusListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("status plane", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}
	if a.db != nil {
		go a.cleanupJournal(ctx)
	}

	a.console.Println(ui.C("hosting "+cfg.Route, ui.CBold) + "  code " + ui.C(code, ui.CCyan))
	for _, addr := range a.addrs {
		a.console.Println("  " + addr)
	}

	go a.simulate(ctx)
	go func() {
		<-ctx.Done()
		a.console.Close()
	}()
	return a.console.Loop(a.m)
}

// publish 让参与者能凭会话码找到主机
func (a *app) publish(ctx context.Context, code string) error {
	if a.cfg.Rendezvous != "" {
		rz, err := discovery.NewRendezvous(ctx, a.h, a.cfg.Rendezvous, a.cfg.AllowLocal, a.log)
		if err != nil {
			return fmt.Errorf("rendezvous: %w", err)
		}
		go func() {
			if err := rz.Advertise(ctx, code); err != nil && ctx.Err() == nil {
				a.console.Notice("", "rendezvous registration stopped: "+err.Error(), false)
			}
		}()
	}
	if a.cfg.LAN {
		lan, err := discovery.Advertise(discovery.Announcement{
			Code:  code,
			Host:  a.cfg.User,
			Route: a.cfg.Route,
			Addrs: a.addrs,
		}, a.cfg.Port)
		if err != nil {
			return fmt.Errorf("mdns: %w", err)
		}
		go func() {
			<-ctx.Done()
			lan.Shutdown()
		}()
	}
	return nil
}

func (a *app) statusServer() *http.Server {
	var journal server.JournalSource
	if a.db != nil {
		journal = a.db
	}
	limiter := server.NewIPLimiter(a.cfg.RateReqWindow, a.cfg.RateMaxReqs, a.cfg.RateFailWindow, a.cfg.RateMaxFails)
	h := server.NewHTTPHandlers(a.m, journal, limiter, a.addrs)
	return &http.Server{
		Addr:              a.cfg.StatusListen,
		Handler:           h.Routes(a.log),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// cleanupJournal 定期删除过旧的进出记录
func (a *app) cleanupJournal(ctx context.Context) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n, err := a.db.CleanupJournal(now.Add(-journalRetention)); err == nil && n > 0 {
				a.log.Info("journal cleaned", "rows", n)
			}
		}
	}
}
