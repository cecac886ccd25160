package p2p

import (
	"regexp"
	"strings"

	"github.com/libp2p/go-libp2p/core/network"
	ma "github.com/multiformats/go-multiaddr"
)

// Path 描述一条参与者连接的路径，写入连接日志
type Path struct {
	Relayed   bool
	Relay     string // 中继的 PeerID
	Transport string
	Local     string
	Remote    string
}

var reCircuit = regexp.MustCompile(`/p2p/([^/]+)/p2p-circuit`)

// TransportOf 从 multiaddr 推断传输协议
func TransportOf(a ma.Multiaddr) string {
	s := a.String()
	switch {
	case strings.Contains(s, "/quic-v1"):
		return "quic-v1"
	case strings.Contains(s, "/ws"):
		return "ws"
	case strings.Contains(s, "/tcp/"):
		return "tcp"
	case strings.Contains(s, "/udp/"):
		return "udp"
	default:
		return "unknown"
	}
}

// Classify 判断连接是直连还是经过中继
func Classify(c network.Conn) Path {
	lm, rm := c.LocalMultiaddr(), c.RemoteMultiaddr()
	p := Path{Local: lm.String(), Remote: rm.String(), Transport: TransportOf(rm)}
	for _, a := range []ma.Multiaddr{rm, lm} {
		if m := reCircuit.FindStringSubmatch(a.String()); len(m) == 2 {
			p.Relayed = true
			p.Relay = m[1]
			p.Transport = TransportOf(a)
			break
		}
	}
	return p
}

// Kind 返回 "relay" 或 "direct"
func (p Path) Kind() string {
	if p.Relayed {
		return "relay"
	}
	return "direct"
}
