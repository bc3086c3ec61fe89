// Package adapter defines the contract between the orchestrator and log
// sources, and the registry of source plugins.
//
// A plugin is a named factory. A connector in the configuration names a
// plugin and carries its parameters; the orchestrator instantiates one
// QueryProvider per connector.
//
// Providers MUST:
//   - Deliver records newest first within each batch
//   - Select on ctx.Done() while fetching and return promptly when it closes
//   - Never modify a batch after handing it to OnBatch
package adapter

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

// ErrUnknownPlugin is returned for a plugin reference with no registration.
var ErrUnknownPlugin = errors.New("unknown plugin")

// QueryOptions bound a single fetch.
type QueryOptions struct {
	From  time.Time
	To    time.Time
	Limit int // zero: no limit

	// OnBatch receives each batch of matching records. It is called from
	// the provider's goroutine, one batch at a time.
	OnBatch func([]record.Record)
}

// QueryProvider fetches records from one configured source.
type QueryProvider interface {
	// ControllerParams lists the index param keys the source understands
	// with their known values, for autocompletion.
	ControllerParams(ctx context.Context) (map[string][]string, error)

	// Query fetches the records in [opts.From, opts.To] matching search and
	// params, delivering them through opts.OnBatch. It returns when the
	// fetch is complete or ctx is cancelled.
	Query(ctx context.Context, params []querylang.IndexParam, search *querylang.Search, opts QueryOptions) error
}

// Factory creates a provider from connector parameters. If logger is nil,
// logging is disabled.
type Factory func(params map[string]string, logger *slog.Logger) (QueryProvider, error)

// Plugin describes a source type.
type Plugin struct {
	Ref         string
	Name        string
	Description string
	Version     string
	Factory     Factory

	// Defaults returns the parameter defaults shown to users. May be nil.
	Defaults func() map[string]string
}

// Registry maps plugin references to plugins. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry returns a registry holding plugins.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		r.plugins[p.Ref] = p
	}
	return r
}

// Register adds or replaces a plugin.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Ref] = p
}

// Lookup returns the plugin for ref.
func (r *Registry) Lookup(ref string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[ref]
	if !ok {
		return Plugin{}, fmt.Errorf("%w: %q", ErrUnknownPlugin, ref)
	}
	return p, nil
}

// Plugins returns every registered plugin ordered by reference.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.SortedFunc(maps.Values(r.plugins), func(a, b Plugin) int {
		return cmp.Compare(a.Ref, b.Ref)
	})
}

// New instantiates the plugin ref with params. Defaults are applied first.
func (r *Registry) New(ref string, params map[string]string, logger *slog.Logger) (QueryProvider, error) {
	p, err := r.Lookup(ref)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]string)
	if p.Defaults != nil {
		maps.Copy(merged, p.Defaults())
	}
	maps.Copy(merged, params)
	qp, err := p.Factory(merged, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}
	return qp, nil
}
