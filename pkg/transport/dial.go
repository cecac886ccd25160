package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/p2p"
)

// Dial 通过 libp2p 连接 addr 处的主机并打开会话流。
// 返回的 Peer 尚未启动：调用方先 Join 再 Start，保证 PLAYER 是第一帧。
func Dial(ctx context.Context, h host.Host, addr string, hd Handler, log *slog.Logger) (*Peer, error) {
	ai, err := p2p.AddrInfo(addr)
	if err != nil {
		return nil, models.Wrap(models.KindTransport, "parse host address", err)
	}
	if err := h.Connect(ctx, *ai); err != nil {
		return nil, models.Wrap(models.KindTransport, fmt.Sprintf("connect %s", ai.ID), err)
	}
	s, err := h.NewStream(ctx, ai.ID, protocol.ID(models.ProtoSession))
	if err != nil {
		return nil, models.Wrap(models.KindTransport, "open session stream", err)
	}
	path := p2p.Classify(s.Conn())
	if log == nil {
		log = slog.Default()
	}
	log.Info("connected to host", "remote", ai.ID.String(), "path", path.Kind(), "transport", path.Transport, "addr", path.Remote)
	return NewPeer(s, hd, log, ai.ID.String()), nil
}

// DialTCP 用普通 TCP 连接 host:port 形式的地址
func DialTCP(ctx context.Context, addr string, hd Handler, log *slog.Logger) (*Peer, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, models.Wrap(models.KindTransport, "dial "+addr, err)
	}
	return NewPeer(c, hd, log, c.RemoteAddr().String()), nil
}

// Connect 根据地址形式选择 libp2p 或 TCP。以 "/" 开头的是 multiaddr。
func Connect(ctx context.Context, h host.Host, addr string, hd Handler, log *slog.Logger) (*Peer, error) {
	if strings.HasPrefix(strings.TrimSpace(addr), "/") {
		if h == nil {
			return nil, models.Errorf(models.KindTransport, "no libp2p host for %s", addr)
		}
		return Dial(ctx, h, addr, hd, log)
	}
	return DialTCP(ctx, addr, hd, log)
}
