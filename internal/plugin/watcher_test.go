package plugin

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcher_RequiresDir(t *testing.T) {
	_, err := NewWatcher("", time.Second, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a directory")
}

func TestWatcher_FiresOnManifestWrite(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(dir, 50*time.Millisecond, slog.Default())
	require.NoError(t, err)

	fired := make(chan struct{}, 1)
	w.OnChange(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	w.Start()
	defer w.Stop()

	// Give the watch loop a moment to come up.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.yaml"), []byte(probesManifest), 0o644))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for plugin watcher to fire")
	}
}

func TestWatcher_FiresOnManifestRemove(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "probes.yaml", probesManifest)

	w, err := NewWatcher(dir, 50*time.Millisecond, slog.Default())
	require.NoError(t, err)

	fired := make(chan struct{}, 1)
	w.OnChange(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	w.Start()
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.Remove(path))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for plugin watcher to fire on removal")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(dir, 50*time.Millisecond, slog.Default())
	require.NoError(t, err)

	fired := make(chan struct{}, 1)
	w.OnChange(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	w.Start()
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# plugins"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "probes.yaml.bak"), []byte(probesManifest), 0o644))

	select {
	case <-fired:
		t.Fatal("watcher fired for non-manifest files")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(dir, 250*time.Millisecond, slog.Default())
	require.NoError(t, err)

	fired := make(chan struct{}, 8)
	w.OnChange(func() {
		fired <- struct{}{}
	})

	w.Start()
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	// A burst of writes inside the debounce window collapses into one fire.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "burst.yaml"), []byte(probesManifest), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for debounced fire")
	}

	select {
	case <-fired:
		t.Fatal("burst produced more than one fire")
	case <-time.After(600 * time.Millisecond):
	}
}
