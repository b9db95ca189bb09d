package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcher_RequiresPath(t *testing.T) {
	_, err := NewWatcher("", Default(), 50*time.Millisecond, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a file path")
}

func TestWatcher_ReloadOnChange(t *testing.T) {
	setTestEnv(t, minimalValidEnv())

	path := writeConfigFile(t, "server:\n  listen_addr: \":7000\"\n")

	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, 50*time.Millisecond, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })

	reloaded := make(chan *Config, 1)
	w.OnReload(func(oldCfg, newCfg *Config) {
		reloaded <- newCfg
	})
	w.Start()

	// Give the watch loop a moment before touching the file.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: \":7100\"\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, ":7100", cfg.Server.ListenAddr)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	assert.Equal(t, ":7100", w.Current().Server.ListenAddr)
}

func TestWatcher_InvalidChangeKeepsPrevious(t *testing.T) {
	setTestEnv(t, minimalValidEnv())

	path := writeConfigFile(t, "server:\n  listen_addr: \":7000\"\n")

	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, 50*time.Millisecond, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })

	reloaded := make(chan *Config, 1)
	w.OnReload(func(oldCfg, newCfg *Config) {
		reloaded <- newCfg
	})
	w.Start()

	time.Sleep(100 * time.Millisecond)

	// Unknown field fails strict parsing, so the reload is rejected.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_adr: \":7100\"\n"), 0o600))

	select {
	case <-reloaded:
		t.Fatal("invalid config should not trigger a reload callback")
	case <-time.After(500 * time.Millisecond):
	}

	assert.Equal(t, ":7000", w.Current().Server.ListenAddr)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	setTestEnv(t, minimalValidEnv())

	path := writeConfigFile(t, "server:\n  listen_addr: \":7000\"\n")

	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, 50*time.Millisecond, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })

	reloaded := make(chan *Config, 1)
	w.OnReload(func(oldCfg, newCfg *Config) {
		reloaded <- newCfg
	})
	w.Start()

	time.Sleep(100 * time.Millisecond)

	// A sibling file in the watched directory must not trigger a reload.
	sibling := path + ".bak"
	require.NoError(t, os.WriteFile(sibling, []byte("unrelated"), 0o600))

	select {
	case <-reloaded:
		t.Fatal("sibling file change should not trigger a reload")
	case <-time.After(500 * time.Millisecond):
	}
}
