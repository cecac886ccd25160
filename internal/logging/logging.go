// Package logging 配置进程级的结构化日志
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel 解析 debug/info/warn/error
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("bad log level %q", s)
	}
	return l, nil
}

// New 创建输出 JSON 的日志记录器
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Init 把默认日志记录器设为输出到 stderr 的 JSON，程序启动时调用一次
func Init(level slog.Level) *slog.Logger {
	l := New(os.Stderr, level)
	slog.SetDefault(l)
	return l
}
