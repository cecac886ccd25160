// Package discovery 让参与者按会话码找到主机：经 rendezvous 点跨网络查找，
// 或在局域网内用 mDNS 浏览。
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	rzv "github.com/waku-org/go-libp2p-rendezvous"

	"github.com/Metaphorme/railsync/pkg/p2p"
)

const (
	registerTTL = 120 // 秒
	discoverMax = 16
)

// Topic 返回会话码对应的 rendezvous 命名空间
func Topic(code string) string { return "/railsync/" + strings.ToLower(strings.TrimSpace(code)) }

// Rendezvous 是连接到某个 rendezvous 点的客户端
type Rendezvous struct {
	h      host.Host
	client rzv.RendezvousClient
	log    *slog.Logger
}

// NewRendezvous 连接 point 处的 rendezvous 服务。allowLocal 为 false 时不发布私有地址。
func NewRendezvous(ctx context.Context, h host.Host, point string, allowLocal bool, log *slog.Logger) (*Rendezvous, error) {
	if log == nil {
		log = slog.Default()
	}
	ai, err := p2p.AddrInfo(point)
	if err != nil {
		return nil, fmt.Errorf("rendezvous address: %w", err)
	}
	if err := h.Connect(ctx, *ai); err != nil {
		return nil, fmt.Errorf("connect rendezvous: %w", err)
	}
	rp := rzv.NewRendezvousPoint(h, ai.ID, rzv.ClientWithAddrsFactory(addrsFactory(allowLocal)))
	return &Rendezvous{h: h, client: rzv.NewRendezvousClientWithPoint(rp), log: log}, nil
}

// addrsFactory 过滤发布给 rendezvous 的地址；全部被过滤时保留原样
func addrsFactory(allowLocal bool) rzv.AddrsFactory {
	return func(addrs []ma.Multiaddr) []ma.Multiaddr {
		seen := make(map[string]bool)
		var out []ma.Multiaddr
		for _, a := range addrs {
			if p2p.IsUnspecified(a) || (!allowLocal && p2p.IsLoopbackOrPrivate(a)) {
				continue
			}
			if k := a.String(); !seen[k] {
				seen[k] = true
				out = append(out, a)
			}
		}
		if len(out) == 0 {
			return addrs
		}
		return out
	}
}

// Register 以会话码登记本主机，返回服务端给出的有效期
func (r *Rendezvous) Register(ctx context.Context, code string) (time.Duration, error) {
	ttl, err := r.client.Register(ctx, Topic(code), registerTTL)
	if err != nil {
		return 0, fmt.Errorf("rendezvous register: %w", err)
	}
	return ttl, nil
}

// Advertise 在 ctx 结束前周期性续约登记，结束时注销
func (r *Rendezvous) Advertise(ctx context.Context, code string) error {
	for {
		ttl, err := r.Register(ctx, code)
		if err != nil {
			return err
		}
		r.log.Debug("registered at rendezvous", "code", code, "ttl", ttl)
		wait := ttl * 4 / 5
		if wait <= 0 {
			wait = registerTTL * time.Second / 2
		}
		select {
		case <-ctx.Done():
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.client.Unregister(uctx, Topic(code)); err != nil {
				r.log.Debug("rendezvous unregister", "code", code, "err", err)
			}
			return nil
		case <-time.After(wait):
		}
	}
}

// Find 查找以 code 登记的主机，返回可交给 transport.Dial 的地址
func (r *Rendezvous) Find(ctx context.Context, code string) (string, error) {
	infos, _, err := r.client.Discover(ctx, Topic(code), discoverMax, nil)
	if err != nil {
		return "", fmt.Errorf("discover: %w", err)
	}
	for _, ai := range infos {
		if ai.ID == r.h.ID() || len(ai.Addrs) == 0 {
			continue
		}
		return JoinAddrs(ai), nil
	}
	return "", fmt.Errorf("no host registered for session %q", code)
}

// JoinAddrs 把 AddrInfo 展开为逗号分隔的完整 multiaddr
func JoinAddrs(ai peer.AddrInfo) string {
	parts := make([]string, 0, len(ai.Addrs))
	for _, a := range ai.Addrs {
		parts = append(parts, a.String()+"/p2p/"+ai.ID.String())
	}
	return strings.Join(parts, ",")
}
