package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// LoadConsist 逐个加载车辆文件并显示进度，返回加载失败的路径。
// 加入会话前由参与者调用，失败的车辆会在主机上以告警形式再次出现。
func LoadConsist(out io.Writer, name string, paths []string, load func(path string) error) []string {
	if len(paths) == 0 {
		return nil
	}
	p := mpb.New(
		mpb.WithWidth(48),
		mpb.WithRefreshRate(120*time.Millisecond),
		mpb.WithOutput(out),
	)
	bar := p.AddBar(int64(len(paths)),
		mpb.PrependDecorators(
			decor.Name(fmt.Sprintf("%-24s", truncateName(name, 24)), decor.WC{W: 26}),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("%d / %d"),
			decor.Percentage(decor.WCSyncSpace),
		),
	)
	var failed []string
	for _, path := range paths {
		if err := load(path); err != nil {
			failed = append(failed, path)
		}
		bar.Increment()
	}
	p.Wait()
	return failed
}

func truncateName(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max+3:]
}
