package p2p

import (
	"fmt"
	"net"
	"strings"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// DialAddrs 返回主机可被拨号的完整地址（带 /p2p/<id>），跳过未指定地址。
// allowLocal 为 false 时同时跳过回环与私有地址。
func DialAddrs(h host.Host, allowLocal bool) []string {
	id := h.ID().String()
	var out []string
	for _, a := range h.Addrs() {
		if IsUnspecified(a) || (!allowLocal && IsLoopbackOrPrivate(a)) {
			continue
		}
		out = append(out, a.String()+"/p2p/"+id)
	}
	return out
}

// AddrInfo 解析 SERVER/HOSTOFFER 中携带的地址。
// 多个地址以逗号分隔，必须属于同一个 peer。
func AddrInfo(s string) (*peer.AddrInfo, error) {
	infos, err := ParseAddrInfos(strings.Split(s, ","))
	if err != nil {
		return nil, err
	}
	if len(infos) != 1 {
		return nil, fmt.Errorf("address %q names %d peers", s, len(infos))
	}
	return &infos[0], nil
}

// ParseAddrInfos 把 multiaddr 字符串按 peer 合并为 AddrInfo，无法解析的项被忽略
func ParseAddrInfos(addrs []string) ([]peer.AddrInfo, error) {
	byPeer := make(map[peer.ID]*peer.AddrInfo)
	var order []peer.ID
	for _, s := range addrs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		ai, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			continue
		}
		if cur, ok := byPeer[ai.ID]; ok {
			cur.Addrs = append(cur.Addrs, ai.Addrs...)
			continue
		}
		byPeer[ai.ID] = ai
		order = append(order, ai.ID)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("no valid addresses")
	}
	out := make([]peer.AddrInfo, 0, len(order))
	for _, id := range order {
		out = append(out, *byPeer[id])
	}
	return out, nil
}

// IsUnspecified 报告地址是否为 0.0.0.0 或 ::
func IsUnspecified(a ma.Multiaddr) bool {
	if v4, _ := a.ValueForProtocol(ma.P_IP4); v4 != "" {
		return v4 == "0.0.0.0"
	}
	if v6, _ := a.ValueForProtocol(ma.P_IP6); v6 != "" {
		return v6 == "::"
	}
	return false
}

// IsLoopbackOrPrivate 报告地址是否为回环或私有网段
func IsLoopbackOrPrivate(a ma.Multiaddr) bool {
	for _, code := range []int{ma.P_IP4, ma.P_IP6} {
		if v, _ := a.ValueForProtocol(code); v != "" {
			ip := net.ParseIP(v)
			return ip != nil && (ip.IsLoopback() || ip.IsPrivate())
		}
	}
	return false
}
