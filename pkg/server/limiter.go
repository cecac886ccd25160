package server

import (
	"sync"
	"time"
)

// window 是按 key 分组的滑动时间窗口
type window struct {
	span time.Duration
	hits map[string][]time.Time
}

func newWindow(span time.Duration) window {
	return window{span: span, hits: make(map[string][]time.Time)}
}

// prune 丢弃所有 key 下已移出窗口的时间戳
func (w window) prune(now time.Time) {
	for k, arr := range w.hits {
		j := 0
		for _, t := range arr {
			if now.Sub(t) <= w.span {
				arr[j] = t
				j++
			}
		}
		if j == 0 {
			delete(w.hits, k)
		} else {
			w.hits[k] = arr[:j]
		}
	}
}

// wait 返回 key 下最早的时间戳移出窗口还需多久，至少一秒
func (w window) wait(key string, now time.Time) time.Duration {
	arr := w.hits[key]
	if len(arr) == 0 {
		return time.Second
	}
	d := w.span - now.Sub(arr[0])
	if d < time.Second {
		d = time.Second
	}
	return d
}

// IPLimiter 按客户端 IP 限制状态接口的访问频率，失败请求单独计数
type IPLimiter struct {
	mu       sync.Mutex
	reqs     window
	fails    window
	maxReqs  int
	maxFails int
}

// NewIPLimiter 创建限流器
func NewIPLimiter(reqWindow time.Duration, maxReqs int, failWindow time.Duration, maxFails int) *IPLimiter {
	return &IPLimiter{
		reqs:     newWindow(reqWindow),
		fails:    newWindow(failWindow),
		maxReqs:  maxReqs,
		maxFails: maxFails,
	}
}

// Allow 记录一次请求并判断是否放行；拒绝时返回建议的等待时间
func (l *IPLimiter) Allow(ip string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs.prune(now)
	l.fails.prune(now)

	l.reqs.hits[ip] = append(l.reqs.hits[ip], now)
	if len(l.reqs.hits[ip]) > l.maxReqs {
		return false, l.reqs.wait(ip, now)
	}
	if len(l.fails.hits[ip]) > l.maxFails {
		return false, l.fails.wait(ip, now)
	}
	return true, 0
}

// RecordFail 记录一次失败请求，例如参数错误
func (l *IPLimiter) RecordFail(ip string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fails.prune(now)
	l.fails.hits[ip] = append(l.fails.hits[ip], now)
}
