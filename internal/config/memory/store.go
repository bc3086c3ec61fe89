// Package memory provides an in-memory ConfigStore implementation.
package memory

import (
	"context"
	"slices"
	"sync"

	"cruncher/internal/config"
)

// Store is an in-memory ConfigStore implementation.
// Intended for testing and for --config-store=memory. Configuration is not
// persisted across restarts.
type Store struct {
	mu  sync.RWMutex
	cfg *config.Config
}

var _ config.Store = (*Store)(nil)

// NewStore creates a new in-memory ConfigStore.
func NewStore() *Store {
	return &Store{}
}

// Load returns a copy of the stored configuration.
// Returns nil if no configuration has been saved.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone(), nil
}

// Save stores a copy of the configuration.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.Clone()
	return nil
}

func (s *Store) ensure() *config.Config {
	if s.cfg == nil {
		s.cfg = &config.Config{}
	}
	if s.cfg.Profiles == nil {
		s.cfg.Profiles = make(map[string]config.ProfileConfig)
	}
	return s.cfg
}

func (s *Store) ListConnectors(ctx context.Context) ([]config.ConnectorConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil, nil
	}
	return s.cfg.Clone().Connectors, nil
}

func (s *Store) PutConnector(ctx context.Context, cc config.ConnectorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.ensure()
	cc = cc.Clone()
	for i, existing := range cfg.Connectors {
		if existing.Name == cc.Name {
			cfg.Connectors[i] = cc
			return nil
		}
	}
	cfg.Connectors = append(cfg.Connectors, cc)
	return nil
}

func (s *Store) DeleteConnector(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.ensure()
	cfg.Connectors = slices.DeleteFunc(cfg.Connectors, func(cc config.ConnectorConfig) bool {
		return cc.Name == name
	})
	return nil
}

func (s *Store) ListProfiles(ctx context.Context) (map[string]config.ProfileConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil, nil
	}
	return s.cfg.Clone().Profiles, nil
}

func (s *Store) PutProfile(ctx context.Context, name string, p config.ProfileConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure().Profiles[name] = config.ProfileConfig{Connectors: slices.Clone(p.Connectors)}
	return nil
}

func (s *Store) DeleteProfile(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ensure().Profiles, name)
	return nil
}
