package routehash

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Metaphorme/railsync/pkg/models"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tdb")
	b := filepath.Join(dir, "b.tdb")
	require.NoError(t, os.WriteFile(a, []byte("junction 1 2 3"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("junction 1 2 4"), 0o644))

	ha, err := HashFile(a)
	require.NoError(t, err)
	again, err := HashFile(a)
	require.NoError(t, err)
	hb, err := HashFile(b)
	require.NoError(t, err)

	assert.Len(t, ha, 32)
	assert.Equal(t, ha, again)
	assert.NotEqual(t, ha, hb)

	_, err = HashFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
	assert.Equal(t, models.HashNotApplicable, HashOrNA(filepath.Join(dir, "missing")))
	assert.Equal(t, models.HashNotApplicable, HashOrNA(""))
	assert.Equal(t, ha, HashOrNA(a))
}

type target struct {
	mu       sync.Mutex
	hashes   []string
	rebuilds int
}

func (t *target) SetIntegrityHash(h string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hashes = append(t.hashes, h)
}

func (t *target) TopologyChanged() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rebuilds++
}

func (t *target) snapshot() ([]string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.hashes...), t.rebuilds
}

func TestWatch_RehashesOnChange(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping file watcher test in short mode")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "route.tdb")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	other := filepath.Join(dir, "notes.txt")

	tg := &target{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, tg, nil) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// 等待监视器就绪后再修改文件
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(other, []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	want, err := HashFile(path)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		hashes, rebuilds := tg.snapshot()
		return len(hashes) == 1 && hashes[0] == want && rebuilds == 1
	}, 5*time.Second, 50*time.Millisecond)
}
