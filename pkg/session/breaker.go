package session

import (
	"sync"
	"time"
)

const (
	defaultBreakerWindow = 10 * time.Second
	defaultBreakerMax    = 5
)

// Breaker 按连接统计滑动窗口内的畸形消息数，超过阈值即熔断
type Breaker struct {
	mu     sync.Mutex
	fails  map[string][]time.Time // 每个连接的失败时间戳
	window time.Duration
	limit  int
}

// NewBreaker 创建熔断器：window 内出现 limit 条畸形消息即熔断
func NewBreaker(window time.Duration, limit int) *Breaker {
	return &Breaker{
		fails:  make(map[string][]time.Time),
		window: window,
		limit:  limit,
	}
}

// pruneLocked 清理移出窗口的时间戳，需在锁内调用
func (b *Breaker) pruneLocked(id string, now time.Time) []time.Time {
	arr := b.fails[id]
	j := 0
	for _, t := range arr {
		if now.Sub(t) <= b.window {
			arr[j] = t
			j++
		}
	}
	if j == 0 {
		delete(b.fails, id)
		return nil
	}
	b.fails[id] = arr[:j]
	return arr[:j]
}

// Record 记录一次失败，返回是否已熔断
func (b *Breaker) Record(id string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	arr := append(b.pruneLocked(id, now), now)
	b.fails[id] = arr
	return len(arr) >= b.limit
}

// Forget 在连接关闭后丢弃其记录
func (b *Breaker) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.fails, id)
}
