package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Metaphorme/railsync/internal/config"
	"github.com/Metaphorme/railsync/pkg/discovery"
	"github.com/Metaphorme/railsync/pkg/transport"
)

const lookupTimeout = 5 * time.Second

func runJoin(parent context.Context, cfg *config.Config, addr string) error {
	ctx, stop := signalContext(parent)
	defer stop()

	a, err := newApp(ctx, cfg, cfg.User+"> ")
	if err != nil {
		return err
	}
	defer a.close()

	if addr == "" {
		if addr, err = a.lookup(ctx); err != nil {
			return err
		}
	}

	dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	peer, err := transport.Connect(dctx, a.h, addr, a.m, a.log)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	a.m.Join(peer)
	peer.Start()
	a.printPath(addr)
	if cfg.Aider {
		// 被主机授予接管资格后，其他参与者会连到这里
		a.console.Logf("ready to take over hosting at %s", a.addrs)
	}

	go a.simulate(ctx)
	go func() {
		<-ctx.Done()
		a.console.Close()
	}()
	return a.console.Loop(a.m)
}

// lookup 按会话码查找主机地址，先问 rendezvous 再查局域网
func (a *app) lookup(ctx context.Context) (string, error) {
	code := a.cfg.Code
	if code == "" {
		return "", errors.New("need a host address or --code")
	}
	if !discovery.ValidCode(code) {
		return "", fmt.Errorf("bad code %q: want '<nameplate>-<word>-<word>'", code)
	}
	if a.cfg.Rendezvous != "" {
		rz, err := discovery.NewRendezvous(ctx, a.h, a.cfg.Rendezvous, a.cfg.AllowLocal, a.log)
		if err != nil {
			return "", fmt.Errorf("rendezvous: %w", err)
		}
		fctx, cancel := context.WithTimeout(ctx, lookupTimeout)
		addr, err := rz.Find(fctx, code)
		cancel()
		if err == nil {
			return addr, nil
		}
		a.log.Info("rendezvous lookup failed", "code", code, "err", err)
	}
	if a.cfg.LAN {
		bctx, cancel := context.WithTimeout(ctx, lookupTimeout)
		found, err := discovery.Browse(bctx, code)
		cancel()
		if err != nil {
			return "", err
		}
		for _, f := range found {
			if f.Route != a.cfg.Route {
				a.console.Notice(f.Host, "hosts route "+f.Route+", not "+a.cfg.Route, false)
			}
			if addr := f.Addr(); addr != "" {
				a.console.Logf("found %s hosting %s on the LAN", f.Host, f.Route)
				return addr, nil
			}
		}
	}
	return "", fmt.Errorf("no host found for session %q", code)
}
