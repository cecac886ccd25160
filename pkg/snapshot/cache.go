package snapshot

import (
	"bytes"
	"sync"
)

// Kind 区分两类状态向量
type Kind int

const (
	Switches Kind = iota
	Signals
)

func (k Kind) String() string {
	if k == Signals {
		return "signals"
	}
	return "switches"
}

// Update 是一次待发送的状态更新：要么是完整状态，要么是差分
type Update struct {
	Kind    Kind
	Full    bool
	State   []byte   // Full 时有效
	Changes []Change // 差分时有效
}

// Raw 返回更新在线路上的原始字节（压缩前）
func (u Update) Raw() []byte {
	if u.Full {
		return u.State
	}
	return MarshalChanges(u.Changes)
}

// Cache 是会话持有的长期快照缓存。
// last 是最近一次发出的状态；baseline 是最近一次有人加入时发给他的状态，
// 加入后的一段时间内差分同时相对两者计算，保证迟到者收敛。
type Cache struct {
	mu       sync.Mutex
	last     [2][]byte
	baseline [2][]byte
}

// NewCache 创建空缓存
func NewCache() *Cache { return &Cache{} }

// Reset 在拓扑变化后用当前世界状态重建缓存，下一次 Next 会发出完整状态
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = [2][]byte{}
	c.baseline = [2][]byte{}
}

// Store 记录一份已经发送（或已经收到）的完整状态
func (c *Cache) Store(k Kind, state []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[k] = bytes.Clone(state)
}

// Last 返回最近记录的状态副本
func (c *Cache) Last(k Kind) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.last[k])
}

// MarkBaseline 记录发给新加入者的状态
func (c *Cache) MarkBaseline(k Kind, state []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseline[k] = bytes.Clone(state)
}

// ClearBaseline 结束加入后的加速窗口
func (c *Cache) ClearBaseline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseline = [2][]byte{}
}

// Next 计算 cur 相对缓存的更新。没有任何变化时 ok=false。
// 缓存为空或长度变化时返回完整状态。
func (c *Cache) Next(k Kind, cur []byte) (u Update, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.last[k]
	if last == nil || len(last) != len(cur) {
		c.last[k] = bytes.Clone(cur)
		return Update{Kind: k, Full: true, State: bytes.Clone(cur)}, true
	}
	changed := make(map[uint32]bool)
	d, _ := Diff(last, cur)
	for _, ch := range d {
		changed[ch.Index] = true
	}
	if base := c.baseline[k]; len(base) == len(cur) {
		d, _ = Diff(base, cur)
		for _, ch := range d {
			changed[ch.Index] = true
		}
	}
	if len(changed) == 0 {
		return Update{}, false
	}
	changes := make([]Change, 0, len(changed))
	for i := range cur {
		if changed[uint32(i)] {
			changes = append(changes, Change{Index: uint32(i), Value: cur[i]})
		}
	}
	c.last[k] = bytes.Clone(cur)
	return Update{Kind: k, Changes: changes}, true
}
