package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reloadCapture struct {
	mu       sync.Mutex
	profiles []*Profiles
}

func (c *reloadCapture) record(p *Profiles) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles = append(c.profiles, p)
}

func (c *reloadCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.profiles)
}

func (c *reloadCapture) latest() *Profiles {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.profiles) == 0 {
		return nil
	}
	return c.profiles[len(c.profiles)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleProfiles), 0o600))

	capture := &reloadCapture{}
	watcher, err := NewWatcher(WatcherConfig{
		Path:     path,
		OnReload: capture.record,
		Debounce: 20 * time.Millisecond,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	defer watcher.Close()

	updated := `
profiles:
  updated:
    max_passes: 7
    constraints:
      - {id: trim, kind: rewrite}
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		return capture.count() >= 1
	}, 3*time.Second, 10*time.Millisecond, "reload callback never fired")

	latest := capture.latest()
	require.NotNil(t, latest)
	profile, err := latest.Get("updated")
	require.NoError(t, err)
	assert.Equal(t, 7, profile.MaxPasses)
}

func TestWatcherSkipsInvalidUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleProfiles), 0o600))

	capture := &reloadCapture{}
	watcher, err := NewWatcher(WatcherConfig{
		Path:     path,
		OnReload: capture.record,
		Debounce: 20 * time.Millisecond,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	defer watcher.Close()

	// Invalid content must not reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("profiles: {}"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, capture.count())

	// A valid rewrite recovers.
	require.NoError(t, os.WriteFile(path, []byte(sampleProfiles), 0o600))
	require.Eventually(t, func() bool {
		return capture.count() >= 1
	}, 3*time.Second, 10*time.Millisecond, "reload after recovery never fired")
	assert.Equal(t, 2, capture.latest().Len())
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleProfiles), 0o600))

	capture := &reloadCapture{}
	watcher, err := NewWatcher(WatcherConfig{
		Path:     path,
		OnReload: capture.record,
		Debounce: 20 * time.Millisecond,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("unrelated"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, capture.count())
}

func TestWatcherRequiresCallback(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{Path: "somewhere.yaml"})
	require.Error(t, err)
}
