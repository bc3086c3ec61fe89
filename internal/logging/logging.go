// Package logging provides structured logging helpers shared by every
// cruncher component.
//
// Conventions:
//   - Loggers are passed in, never taken from a global
//   - A component scopes its logger once, at construction, with
//     logger.With("component", "<name>")
//   - A nil logger means "discard"
//
// Output format, destination and levels are decided in main() only.
// Components must not call slog.SetDefault.
//
// Log at lifecycle boundaries (task started, fetch failed, config reloaded).
// Never log per row or per batch item.
package logging

import (
	"context"
	"log/slog"
	"sync"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger, or a discard logger when logger is nil.
//
//	func New(cfg Config) *Cache {
//	    logger := logging.Default(cfg.Logger).With("component", "cache")
//	    ...
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentKey is the attribute used to scope log records to a component.
const ComponentKey = "component"

// levels is the mutable level table shared by a ComponentFilterHandler and
// every handler derived from it through WithAttrs/WithGroup.
type levels struct {
	mu        sync.RWMutex
	def       slog.Level
	overrides map[string]slog.Level
}

func (l *levels) get(component string) slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.overrides[component]; ok {
		return lvl
	}
	return l.def
}

// floor is the lowest level any component currently accepts.
func (l *levels) floor() slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lowest := l.def
	for _, lvl := range l.overrides {
		if lvl < lowest {
			lowest = lvl
		}
	}
	return lowest
}

// ComponentFilterHandler filters records by a per-component minimum level.
// Records without a component attribute use the default level. Levels can be
// changed at runtime and apply to every logger derived from the handler.
type ComponentFilterHandler struct {
	inner     slog.Handler
	levels    *levels
	component string // set once a "component" attr has been bound via WithAttrs
}

// NewComponentFilterHandler wraps inner. The inner handler should accept all
// levels; filtering is done here.
func NewComponentFilterHandler(inner slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		inner: inner,
		levels: &levels{
			def:       defaultLevel,
			overrides: make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the minimum level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	h.levels.overrides[component] = level
	h.levels.mu.Unlock()
}

// ClearLevel removes a component override. No-op if none exists.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	delete(h.levels.overrides, component)
	h.levels.mu.Unlock()
}

// SetDefaultLevel changes the level used by components without an override.
func (h *ComponentFilterHandler) SetDefaultLevel(level slog.Level) {
	h.levels.mu.Lock()
	h.levels.def = level
	h.levels.mu.Unlock()
}

// Level returns the effective level for component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.levels.get(component)
}

// DefaultLevel returns the level used when no override matches.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	return h.levels.def
}

// Enabled reports whether a record at level could pass. When the component is
// not yet known (it may arrive as a record attribute) the loosest configured
// level is used and Handle makes the final decision.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.component != "" {
		return level >= h.levels.get(h.component)
	}
	return level >= h.levels.floor()
}

// Handle forwards r to the inner handler if its component level allows it.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.levels.get(component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs binds attrs, remembering the component if one is among them.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == ComponentKey {
			component = a.Value.String()
		}
	}
	return &ComponentFilterHandler{
		inner:     h.inner.WithAttrs(attrs),
		levels:    h.levels,
		component: component,
	}
}

// WithGroup returns a handler that nests subsequent attrs under name.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	return &ComponentFilterHandler{
		inner:     h.inner.WithGroup(name),
		levels:    h.levels,
		component: h.component,
	}
}
