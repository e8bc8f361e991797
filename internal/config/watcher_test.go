package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfig(t, path, `
[server]
port = 9000
`)

	var reloaded atomic.Int32
	w, err := NewWatcher(path, func(old, new *Config) {
		reloaded.Add(1)
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Stop()

	if w.Current().Server.Port != 9000 {
		t.Fatalf("initial port = %d, want 9000", w.Current().Server.Port)
	}

	// The watcher only re-reads the file once its mtime changes; a short
	// pause gives the rewrite a distinct mtime on filesystems with
	// sub-second mtime resolution.
	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, `
[server]
port = 9100
`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Server.Port == 9100 {
			if reloaded.Load() == 0 {
				t.Fatal("port changed but onChange callback was never invoked")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("watcher did not pick up change, current = %+v", w.Current())
}

func TestWatcher_InvalidReloadKeepsPreviousConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfig(t, path, `
[server]
port = 9000
`)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, `
[store]
mode = "not_a_real_mode"
`)

	time.Sleep(100 * time.Millisecond)
	if w.Current().Server.Port != 9000 {
		t.Fatalf("watcher applied an invalid reload, current = %+v", w.Current())
	}
}

func TestNewWatcher_MissingFileErrors(t *testing.T) {
	if _, err := NewWatcher("/nonexistent/path/config.toml", nil); err == nil {
		t.Fatal("expected error for nonexistent initial config file")
	}
}
