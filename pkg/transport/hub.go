package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/Metaphorme/railsync/pkg/message"
	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/p2p"
	"github.com/Metaphorme/railsync/pkg/session"
)

// Acceptor 是主机侧的连接处理者
type Acceptor interface {
	Handler
	Attach(c session.Conn)
}

// Hub 接受参与者连接并把每条流交给 Acceptor
type Hub struct {
	h   host.Host
	a   Acceptor
	log *slog.Logger

	mu        sync.Mutex
	peers     map[string]*Peer
	listeners []net.Listener
	stopped   bool
}

// NewHub 创建 Hub。h 可以为 nil，此时只能通过 Serve 接受 TCP 连接。
func NewHub(h host.Host, a Acceptor, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{h: h, a: a, log: log, peers: make(map[string]*Peer)}
}

// Start 在 libp2p 主机上注册会话协议
func (hb *Hub) Start() {
	if hb.h == nil {
		return
	}
	hb.h.SetStreamHandler(protocol.ID(models.ProtoSession), hb.handleStream)
	hb.log.Info("accepting session streams", "peer_id", hb.h.ID().String(), "addrs", p2p.DialAddrs(hb.h, true))
}

func (hb *Hub) handleStream(s network.Stream) {
	path := p2p.Classify(s.Conn())
	remote := s.Conn().RemotePeer().String()
	hb.log.Info("participant stream opened", "remote", remote, "path", path.Kind(),
		"transport", path.Transport, "relay", path.Relay, "addr", path.Remote)
	hb.accept(s, remote)
}

// Serve 在 ln 上接受普通 TCP 连接，直到 ln 被关闭
func (hb *Hub) Serve(ln net.Listener) error {
	hb.mu.Lock()
	if hb.stopped {
		hb.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	hb.listeners = append(hb.listeners, ln)
	hb.mu.Unlock()
	hb.log.Info("accepting tcp connections", "addr", ln.Addr().String())
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		hb.accept(c, c.RemoteAddr().String())
	}
}

func (hb *Hub) accept(rw io.ReadWriteCloser, remote string) {
	hb.mu.Lock()
	if hb.stopped {
		hb.mu.Unlock()
		_ = rw.Close()
		return
	}
	p := NewPeer(rw, hb, hb.log, remote)
	hb.peers[p.ID()] = p
	hb.mu.Unlock()
	hb.a.Attach(p)
	p.Start()
}

// Peers 返回当前连接数
func (hb *Hub) Peers() int {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return len(hb.peers)
}

// Stop 停止接受新连接并关闭已有连接
func (hb *Hub) Stop() {
	hb.mu.Lock()
	hb.stopped = true
	lns := hb.listeners
	hb.listeners = nil
	peers := make([]*Peer, 0, len(hb.peers))
	for _, p := range hb.peers {
		peers = append(peers, p)
	}
	hb.mu.Unlock()

	if hb.h != nil {
		hb.h.RemoveStreamHandler(protocol.ID(models.ProtoSession))
	}
	for _, ln := range lns {
		_ = ln.Close()
	}
	for _, p := range peers {
		_ = p.Close()
	}
}

// Receive、Malformed 与 Closed 转发给 Acceptor；Closed 同时注销连接
func (hb *Hub) Receive(c session.Conn, m message.Message) error { return hb.a.Receive(c, m) }

func (hb *Hub) Malformed(c session.Conn, err error) error { return hb.a.Malformed(c, err) }

func (hb *Hub) Closed(c session.Conn, cause error) {
	hb.mu.Lock()
	delete(hb.peers, c.ID())
	hb.mu.Unlock()
	hb.a.Closed(c, cause)
}
