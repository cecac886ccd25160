// Package ui 是本地用户的文本界面：通知与聊天输出、命令输入、加载进度
package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/Metaphorme/railsync/pkg/p2p"
	"github.com/Metaphorme/railsync/pkg/session"
)

// ANSI 颜色代码 (遵循 NO_COLOR 环境变量)
var colorEnabled = os.Getenv("NO_COLOR") == ""

// C 给字符串加上 ANSI 颜色
func C(s, code string) string {
	if !colorEnabled {
		return s
	}
	return code + s + "\x1b[0m"
}

const (
	CBold = "\x1b[1m"
	CDim  = "\x1b[2m"
	CCyan = "\x1b[36m"
	CYel  = "\x1b[33m"
	CRed  = "\x1b[31m"
)

// Console 是线程安全的 readline 封装，同时作为会话的 Notifier
type Console struct {
	rl    *readline.Instance
	mu    sync.Mutex
	close sync.Once
}

var _ session.Notifier = (*Console)(nil)

// NewConsole 创建控制台
func NewConsole(prompt string) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return nil, err
	}
	return &Console{rl: rl}, nil
}

// Close 关闭控制台，可重复调用；阻塞中的 Readline 随之返回
func (c *Console) Close() { c.close.Do(func() { _ = c.rl.Close() }) }

// SetPrompt 设置提示符
func (c *Console) SetPrompt(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rl.SetPrompt(p)
	c.rl.Refresh()
}

// Stdout 返回不会打断输入行的输出流
func (c *Console) Stdout() io.Writer { return c.rl.Stdout() }

// Println 打印一行并重绘提示符，避免覆盖用户输入
func (c *Console) Println(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.rl.Stdout().Write([]byte("\r" + msg + "\n"))
	c.rl.Refresh()
}

// Logf 打印带时间戳的消息
func (c *Console) Logf(format string, a ...any) {
	c.Println(C(ts(), CDim) + " " + fmt.Sprintf(format, a...))
}

// Readline 读取一行输入
func (c *Console) Readline() (string, error) { return c.rl.Readline() }

// Notice 实现 session.Notifier。会话管理器在锁内调用，这里只做输出。
func (c *Console) Notice(from, text string, fatal bool) {
	c.Println(C(ts(), CDim) + " " + FormatNotice(from, text, fatal))
}

// Chat 实现 session.Notifier
func (c *Console) Chat(from, text string) {
	c.Println(C(ts(), CDim) + " " + FormatChat(from, text))
}

// FormatNotice 把通知格式化为一行
func FormatNotice(from, text string, fatal bool) string {
	line := text
	if from != "" {
		line = C(from, CBold) + " " + text
	}
	if fatal {
		return C("!! ", CRed+CBold) + line
	}
	return C("-- ", CYel) + line
}

// FormatChat 把聊天消息格式化为一行
func FormatChat(from, text string) string {
	return C("<"+from+">", CCyan) + " " + text
}

// PrintConnCard 打印连接摘要
func PrintConnCard(c *Console, path p2p.Path) {
	line := fmt.Sprintf("DIRECT (%s)", path.Transport)
	if path.Relayed {
		line = fmt.Sprintf("RELAY via %s (%s)", path.Relay, path.Transport)
	}
	c.Println(C("┌─ Connection Summary ──────────────────────────────┐", CBold))
	c.Println("  path   : " + C(line, CCyan))
	c.Println("  local  : " + path.Local)
	c.Println("  remote : " + path.Remote)
	c.Println(C("└───────────────────────────────────────────────────┘", CBold))
}

func ts() string { return time.Now().Format("15:04:05") }
