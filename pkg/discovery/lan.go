package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// Service 是局域网内广播的 mDNS 服务类型
	Service = "_railsync._tcp"
	domain  = "local."
)

// Announcement 是主机在局域网内公布的信息
type Announcement struct {
	Code  string
	Host  string // 主机用户名
	Route string
	Addrs []string // libp2p multiaddr；为空时使用 mDNS 记录中的 IP 与端口
}

// Found 是浏览到的一台主机
type Found struct {
	Instance string
	Announcement
}

// Addr 返回可交给 transport.Connect 的地址
func (f Found) Addr() string { return strings.Join(f.Addrs, ",") }

// LANServer 是正在广播的 mDNS 记录
type LANServer struct {
	s *zeroconf.Server
}

// Shutdown 停止广播
func (l *LANServer) Shutdown() { l.s.Shutdown() }

// Advertise 在局域网内公布主机，port 为会话监听端口
func Advertise(a Announcement, port int) (*LANServer, error) {
	instance := fmt.Sprintf("railsync-%s-%s", a.Host, a.Code)
	s, err := zeroconf.Register(instance, Service, domain, port, txtRecords(a), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &LANServer{s: s}, nil
}

// Browse 在 ctx 结束前收集局域网内的主机。code 非空时只返回该会话。
func Browse(ctx context.Context, code string) ([]Found, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, domain, entries); err != nil {
		return nil, fmt.Errorf("browse: %w", err)
	}
	seen := make(map[string]bool)
	var out []Found
	for {
		select {
		case <-ctx.Done():
			return out, nil
		case e, ok := <-entries:
			if !ok {
				return out, nil
			}
			if e == nil || seen[e.Instance] {
				continue
			}
			f := fromEntry(e)
			if code != "" && !strings.EqualFold(f.Code, code) {
				continue
			}
			seen[e.Instance] = true
			out = append(out, f)
		}
	}
}

func txtRecords(a Announcement) []string {
	txt := []string{"v=1", "code=" + a.Code, "host=" + a.Host}
	if a.Route != "" {
		txt = append(txt, "route="+a.Route)
	}
	for _, s := range a.Addrs {
		txt = append(txt, "addr="+s)
	}
	return txt
}

func parseTXT(txt []string) Announcement {
	var a Announcement
	for _, kv := range txt {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "code":
			a.Code = v
		case "host":
			a.Host = v
		case "route":
			a.Route = v
		case "addr":
			a.Addrs = append(a.Addrs, v)
		}
	}
	return a
}

func fromEntry(e *zeroconf.ServiceEntry) Found {
	f := Found{Instance: e.Instance, Announcement: parseTXT(e.Text)}
	if len(f.Addrs) == 0 {
		var ip net.IP
		if len(e.AddrIPv4) > 0 {
			ip = e.AddrIPv4[0]
		} else if len(e.AddrIPv6) > 0 {
			ip = e.AddrIPv6[0]
		}
		if ip != nil {
			f.Addrs = []string{net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))}
		}
	}
	return f
}
