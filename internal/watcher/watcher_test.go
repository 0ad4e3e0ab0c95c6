package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/RTVS-sub005/internal/config"
	"github.com/microsoft/RTVS-sub005/internal/watcher"
)

func startWatcher(t *testing.T, path string) <-chan struct{} {
	t.Helper()
	w, err := watcher.New(watcher.Config{Path: path, DebounceDur: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	onChange, err := w.Start()
	require.NoError(t, err)
	return onChange
}

func expectChange(t *testing.T, onChange <-chan struct{}) {
	t.Helper()
	select {
	case <-onChange:
	case <-time.After(2 * time.Second):
		t.Fatal("expected notification but got timeout")
	}
}

func expectQuiet(t *testing.T, onChange <-chan struct{}) {
	t.Helper()
	select {
	case <-onChange:
		t.Fatal("unexpected notification")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o600))
	onChange := startWatcher(t, path)

	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("a: %d\n", i)), 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	expectChange(t, onChange)
	expectQuiet(t, onChange)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	require.NoError(t, os.WriteFile(other, nil, 0o600))
	onChange := startWatcher(t, path)

	require.NoError(t, os.WriteFile(other, []byte("x"), 0o600))
	expectQuiet(t, onChange)
}

func TestWatcher_AtomicSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.WriteDefaultConfig(path))
	onChange := startWatcher(t, path)

	require.NoError(t, config.SaveActiveBroker(path, "lab"))
	expectChange(t, onChange)

	require.NoError(t, config.SaveActiveBroker(path, "local"))
	expectChange(t, onChange)
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w, err := watcher.New(watcher.DefaultConfig(filepath.Join(t.TempDir(), "missing", "config.yaml")))
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	_, err = w.Start()
	require.Error(t, err)
}
