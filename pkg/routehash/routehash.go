// Package routehash 计算共享世界定义文件的内容哈希，并在文件变化时通知会话
package routehash

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	xxh3 "github.com/zeebo/xxh3"

	"github.com/Metaphorme/railsync/pkg/models"
)

const debounceInterval = 300 * time.Millisecond

// HashFile 返回文件内容的 xxh3-128 十六进制摘要
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:]), nil
}

// HashOrNA 与 HashFile 相同，但无法计算时返回 "NA"，此时加入校验跳过哈希比较
func HashOrNA(path string) string {
	if path == "" {
		return models.HashNotApplicable
	}
	s, err := HashFile(path)
	if err != nil {
		return models.HashNotApplicable
	}
	return s
}

// Target 接收重新计算后的哈希，通常是 *session.Manager
type Target interface {
	SetIntegrityHash(h string)
	TopologyChanged()
}

// Watch 监视 path 直到 ctx 结束。内容变化后更新哈希并让会话重建快照缓存。
// 监视的是所在目录，编辑器用改名方式保存时也能收到事件。
func Watch(ctx context.Context, path string, t Target, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	last := HashOrNA(abs)
	fire := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !relevant(ev) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceInterval, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			cur := HashOrNA(abs)
			if cur == last {
				continue
			}
			log.Info("world definition changed", "path", abs, "hash", cur)
			last = cur
			t.SetIntegrityHash(cur)
			t.TopologyChanged()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", "err", err)
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) ||
		ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}
