package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("discard logger should not be enabled at any level")
	}
	logger.Info("dropped")
}

func TestDefault(t *testing.T) {
	t.Run("nil returns discard", func(t *testing.T) {
		logger := Default(nil)
		if logger == nil {
			t.Fatal("Default(nil) returned nil")
		}
		if logger.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("Default(nil) should return a discard logger")
		}
	})

	t.Run("non-nil is passed through", func(t *testing.T) {
		var buf bytes.Buffer
		original := slog.New(slog.NewTextHandler(&buf, nil))
		if got := Default(original); got != original {
			t.Error("Default should return the same logger when non-nil")
		}
	})
}

// captureHandler records everything it receives. Clones made through
// WithAttrs share the record slice.
type captureHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
}

func newCaptureHandler() *captureHandler {
	var mu sync.Mutex
	var records []slog.Record
	return &captureHandler{mu: &mu, records: &records}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(*h.records)
}

func TestComponentFilterHandler(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]slog.Level
		component string
		level     slog.Level
		want      bool
	}{
		{"info passes at default", nil, "cache", slog.LevelInfo, true},
		{"debug filtered at default", nil, "cache", slog.LevelDebug, false},
		{"warn passes at default", nil, "cache", slog.LevelWarn, true},
		{"debug passes with override", map[string]slog.Level{"orchestrator": slog.LevelDebug}, "orchestrator", slog.LevelDebug, true},
		{"override is per component", map[string]slog.Level{"orchestrator": slog.LevelDebug}, "cache", slog.LevelDebug, false},
		{"raised override hides info", map[string]slog.Level{"server": slog.LevelWarn}, "server", slog.LevelInfo, false},
		{"no component uses default", nil, "", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capture := newCaptureHandler()
			filter := NewComponentFilterHandler(capture, slog.LevelInfo)
			for c, l := range tt.overrides {
				filter.SetLevel(c, l)
			}
			logger := slog.New(filter)
			if tt.component != "" {
				logger.Log(context.Background(), tt.level, "msg", ComponentKey, tt.component)
			} else {
				logger.Log(context.Background(), tt.level, "msg")
			}
			if got := capture.count() == 1; got != tt.want {
				t.Errorf("record passed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComponentFilterHandlerClearLevel(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	filter.SetLevel("orchestrator", slog.LevelDebug)
	logger.Debug("visible", "component", "orchestrator")
	if capture.count() != 1 {
		t.Fatalf("expected 1 record, got %d", capture.count())
	}

	filter.ClearLevel("orchestrator")
	logger.Debug("hidden", "component", "orchestrator")
	if capture.count() != 1 {
		t.Errorf("expected debug to be filtered after clear, got %d records", capture.count())
	}

	// Clearing an unknown component is a no-op.
	filter.ClearLevel("nonexistent")
	if lvl := filter.Level("nonexistent"); lvl != slog.LevelInfo {
		t.Errorf("Level(nonexistent) = %v, want INFO", lvl)
	}
}

func TestComponentFilterHandlerLevels(t *testing.T) {
	filter := NewComponentFilterHandler(nil, slog.LevelInfo)

	if lvl := filter.Level("unknown"); lvl != slog.LevelInfo {
		t.Errorf("Level(unknown) = %v, want INFO", lvl)
	}
	filter.SetLevel("cache", slog.LevelDebug)
	if lvl := filter.Level("cache"); lvl != slog.LevelDebug {
		t.Errorf("Level(cache) = %v, want DEBUG", lvl)
	}
	filter.SetDefaultLevel(slog.LevelWarn)
	if lvl := filter.DefaultLevel(); lvl != slog.LevelWarn {
		t.Errorf("DefaultLevel() = %v, want WARN", lvl)
	}
	if lvl := filter.Level("cache"); lvl != slog.LevelDebug {
		t.Errorf("override should survive default change, got %v", lvl)
	}
}

func TestComponentFilterHandlerScopedLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)
	logger := slog.New(filter)

	orchLogger := logger.With("component", "orchestrator")
	cacheLogger := logger.With("component", "cache")

	orchLogger.Debug("orch debug 1")
	cacheLogger.Debug("cache debug 1")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got: %s", buf.String())
	}

	filter.SetLevel("orchestrator", slog.LevelDebug)
	orchLogger.Debug("orch debug 2")
	cacheLogger.Debug("cache debug 2")

	out := buf.String()
	if !strings.Contains(out, "orch debug 2") {
		t.Errorf("expected orchestrator debug line, got: %s", out)
	}
	if strings.Contains(out, "cache debug") {
		t.Errorf("did not expect cache debug line, got: %s", out)
	}
}

func TestComponentFilterHandlerWithGroup(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter.WithGroup("task"))

	logger.Info("kept", "component", "orchestrator")
	logger.Debug("dropped", "component", "orchestrator")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}
}

func TestComponentFilterHandlerConcurrent(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	const goroutines = 8
	const iterations = 100

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range iterations {
				logger.Info("message", "component", "server")
			}
		})
		wg.Go(func() {
			for range iterations {
				filter.SetLevel("server", slog.LevelDebug)
				filter.ClearLevel("server")
			}
		})
	}
	wg.Wait()

	if got := capture.count(); got != goroutines*iterations {
		t.Errorf("expected %d records, got %d", goroutines*iterations, got)
	}
}
