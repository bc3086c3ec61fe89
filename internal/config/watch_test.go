package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchCoalescesWrites(t *testing.T) {
	old := watchDebounce
	watchDebounce = 50 * time.Millisecond
	t.Cleanup(func() { watchDebounce = old })

	dir := t.TempDir()
	path := filepath.Join(dir, "cruncher.yaml")
	other := filepath.Join(dir, "unrelated.yaml")
	if err := os.WriteFile(path, []byte("connectors: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	changed := make(chan struct{}, 8)
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		done <- Watch(ctx, path, nil, func() {
			calls.Add(1)
			changed <- struct{}{}
		})
	}()
	<-started
	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if err := os.WriteFile(path, []byte("connectors: []\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("onChange not called")
	}
	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 coalesced call, got %d", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchMissingDir(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "no", "such", "cruncher.yaml"), nil, func() {})
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}
