// Package p2p 负责 libp2p 主机的创建、持久身份与地址处理
package p2p

import (
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	pingsvc "github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	tcp "github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"
)

// HostConfig 描述一个会话节点的 libp2p 主机
type HostConfig struct {
	Identity crypto.PrivKey // 为空时生成临时身份
	Listen   []string       // multiaddr 列表
	NATMap   bool
}

// ListenAddrs 返回在 port 上监听全部 IPv4/IPv6 地址的 multiaddr；port 为 0 时由系统分配
func ListenAddrs(port int) []string {
	return []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port),
		fmt.Sprintf("/ip6/::/tcp/%d", port),
	}
}

// NewHost 创建只使用 TCP + Noise + Yamux 的主机，并挂上 ping 服务
func NewHost(cfg HostConfig) (host.Host, error) {
	addrs := make([]ma.Multiaddr, 0, len(cfg.Listen))
	for _, s := range cfg.Listen {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("bad listen multiaddr %q: %w", s, err)
		}
		addrs = append(addrs, a)
	}
	opts := []libp2p.Option{
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ListenAddrs(addrs...),
	}
	if cfg.Identity != nil {
		opts = append(opts, libp2p.Identity(cfg.Identity))
	}
	if cfg.NATMap {
		opts = append(opts, libp2p.NATPortMap())
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	pingsvc.NewPingService(h)
	return h, nil
}
