package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// --- Constructor ---

func TestNewWatcher_LoadsInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "pipeline:\n  max_dimension: 640\n")

	w, err := NewWatcher(NewLoader().WithConfigPath(path), path,
		WithPollInterval(50*time.Millisecond),
		WithWatcherLogger(zap.NewNop()),
	)
	require.NoError(t, err)

	assert.Equal(t, 640, w.Current().Pipeline.MaxDimension)
	assert.Equal(t, 50*time.Millisecond, w.pollInterval)
	assert.False(t, w.IsRunning())
}

func TestNewWatcher_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.yaml")
	w, err := NewWatcher(NewLoader().WithConfigPath(path), path)
	require.NoError(t, err)
	assert.Equal(t, 1024, w.Current().Pipeline.MaxDimension)

	// 文件出现后被识别为变更
	writeConfig(t, path, "pipeline:\n  max_dimension: 256\n")
	assert.True(t, w.Check())
	assert.Equal(t, 256, w.Current().Pipeline.MaxDimension)
}

// --- Check ---

func TestWatcher_CheckReloadsOnContentChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "reconstruction:\n  poll_interval: 5s\n")

	w, err := NewWatcher(NewLoader().WithConfigPath(path), path)
	require.NoError(t, err)

	var got *Config
	w.OnReload(func(c *Config) { got = c })

	assert.False(t, w.Check(), "unchanged file must not reload")

	writeConfig(t, path, "reconstruction:\n  poll_interval: 1s\n")
	require.True(t, w.Check())
	require.NotNil(t, got)
	assert.Equal(t, time.Second, got.Reconstruction.PollInterval)
	assert.Same(t, got, w.Current())
}

func TestWatcher_TouchWithoutChangeIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "log:\n  level: info\n")

	w, err := NewWatcher(NewLoader().WithConfigPath(path), path)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	assert.False(t, w.Check())
}

func TestWatcher_InvalidConfigKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "pipeline:\n  max_dimension: 800\n")

	w, err := NewWatcher(NewLoader().WithConfigPath(path), path)
	require.NoError(t, err)

	called := false
	w.OnReload(func(*Config) { called = true })

	writeConfig(t, path, "pipeline:\n  max_dimension: -5\n")
	assert.False(t, w.Check())
	assert.False(t, called)
	assert.Equal(t, 800, w.Current().Pipeline.MaxDimension)
}

// --- Start / Stop ---

func TestWatcher_StartStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "pipeline:\n  max_dimension: 100\n")

	w, err := NewWatcher(NewLoader().WithConfigPath(path), path, WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)

	var mu sync.Mutex
	var dims []int
	w.OnReload(func(c *Config) {
		mu.Lock()
		dims = append(dims, c.Pipeline.MaxDimension)
		mu.Unlock()
	})

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(context.Background()), "second start must fail")

	writeConfig(t, path, "pipeline:\n  max_dimension: 200\n")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dims) == 1 && dims[0] == 200
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	assert.False(t, w.IsRunning())
	w.Stop() // 幂等
}

func TestWatcher_StopsOnContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "log:\n  level: info\n")

	w, err := NewWatcher(NewLoader().WithConfigPath(path), path, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return !w.IsRunning() }, time.Second, 5*time.Millisecond)
}
