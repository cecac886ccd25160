package session

import (
	"sort"
	"sync"
)

// LostEntry 记录一个断线参与者留下的列车。时间为模拟时钟秒数。
type LostEntry struct {
	User     string  `json:"user"`
	Train    int     `json:"train"`
	QuitTime float64 `json:"quit_time"`
}

// LostCache 保存断线参与者，宽限期内同名且位置相近的重新加入者会接回原列车
type LostCache interface {
	Put(e LostEntry) error
	// ByUser 返回该用户的全部条目，按列车编号升序
	ByUser(user string) ([]LostEntry, error)
	Remove(train int) error
	// Purge 删除并返回 QuitTime 早于 cutoff 的条目
	Purge(cutoff float64) ([]LostEntry, error)
	All() ([]LostEntry, error)
}

// Rebaser 由跨进程保存的 LostCache 实现。主机开始会话时调用 Rebase，
// 把上次运行留下的条目换算到当前模拟时钟，使宽限期按真实经过的时间计算。
type Rebaser interface {
	Rebase(now float64) error
}

// MemoryLostCache 是 LostCache 的内存实现，以列车编号为键
type MemoryLostCache struct {
	mu      sync.Mutex
	entries map[int]LostEntry
}

// NewMemoryLostCache 创建空缓存
func NewMemoryLostCache() *MemoryLostCache {
	return &MemoryLostCache{entries: make(map[int]LostEntry)}
}

func (c *MemoryLostCache) Put(e LostEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Train] = e
	return nil
}

func (c *MemoryLostCache) ByUser(user string) ([]LostEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []LostEntry
	for _, e := range c.entries {
		if e.User == user {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (c *MemoryLostCache) Remove(train int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, train)
	return nil
}

func (c *MemoryLostCache) Purge(cutoff float64) ([]LostEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []LostEntry
	for n, e := range c.entries {
		if e.QuitTime < cutoff {
			out = append(out, e)
			delete(c.entries, n)
		}
	}
	sortEntries(out)
	return out, nil
}

func (c *MemoryLostCache) All() ([]LostEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LostEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(es []LostEntry) {
	sort.Slice(es, func(i, j int) bool { return es[i].Train < es[j].Train })
}
