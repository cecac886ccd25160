package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/libp2p/go-libp2p/core/host"

	"github.com/Metaphorme/railsync/pkg/p2p"
)

// ClientIP 从请求中取客户端 IP，优先使用 X-Forwarded-For 以支持反向代理
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	h, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return h
}

// SplitCSV 切分逗号分隔的字符串并去掉空项
func SplitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AddP2PIfMissing 确保 multiaddr 带有 /p2p/<PeerID> 后缀
func AddP2PIfMissing(addr, pid string) string {
	if strings.Contains(addr, "/p2p/") {
		return addr
	}
	return addr + "/p2p/" + pid
}

// AdvertisedAddrs 决定主机对外宣告的会话地址：显式给出的公网地址优先，
// 否则使用 libp2p 主机检测到的监听地址
func AdvertisedAddrs(h host.Host, publicCSV string, allowLocal bool) []string {
	raw := SplitCSV(publicCSV)
	if len(raw) == 0 {
		return p2p.DialAddrs(h, allowLocal)
	}
	pid := h.ID().String()
	out := make([]string, 0, len(raw))
	for _, a := range raw {
		out = append(out, AddP2PIfMissing(a, pid))
	}
	return out
}

// WriteJSON 把 v 序列化为 JSON 响应
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
