package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, url string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("server:\n  url: "+url+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Push the mtime around so back-to-back writes are always detected.
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxguard.yaml")
	writeConfigFile(t, path, "wss://initial.example.com")

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.URL; got != "wss://initial.example.com" {
		t.Errorf("Current().Server.URL = %q", got)
	}
}

func TestWatcher_InvalidInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxguard.yaml")
	writeConfigFile(t, path, "http://wrong-scheme.example.com")

	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("NewWatcher accepted an invalid initial config")
	}
}

func TestWatcher_ReloadOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxguard.yaml")
	writeConfigFile(t, path, "wss://one.example.com")

	var (
		mu      sync.Mutex
		changes int
	)
	w, err := NewWatcher(path, func(old, new *Config) {
		mu.Lock()
		changes++
		mu.Unlock()
		if old.Server.URL != "wss://one.example.com" || new.Server.URL != "wss://two.example.com" {
			t.Errorf("onChange old=%q new=%q", old.Server.URL, new.Server.URL)
		}
	}, WithInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, "wss://two.example.com")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Server.URL == "wss://two.example.com" {
			mu.Lock()
			got := changes
			mu.Unlock()
			if got != 1 {
				t.Errorf("onChange fired %d times, want 1", got)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("watcher never picked up the modified config")
}

func TestWatcher_InvalidChangeKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxguard.yaml")
	writeConfigFile(t, path, "wss://good.example.com")

	w, err := NewWatcher(path, func(old, new *Config) {
		t.Error("onChange fired for an invalid config")
	}, WithInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, "ftp://broken.example.com")
	time.Sleep(50 * time.Millisecond)

	if got := w.Current().Server.URL; got != "wss://good.example.com" {
		t.Errorf("Current().Server.URL = %q, want previous valid config", got)
	}
}
