// Package file provides a YAML file ConfigStore implementation.
//
// The file is meant to be edited by hand:
//
//	connectors:
//	  - type: mock
//	    name: local
//	    params: {rate: "2000"}
//	profiles:
//	  default:
//	    connectors: [local]
//
// All mutations (Put/Delete) load the full file, mutate in memory, and
// atomically flush the entire file.
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"cruncher/internal/config"
)

// Store is a YAML file ConfigStore implementation.
// Writes are atomic via temp file + rename with round-trip validation.
type Store struct {
	mu   sync.Mutex // serializes read-modify-write cycles
	path string
}

var _ config.Store = (*Store)(nil)

// NewStore creates a file-based ConfigStore for the YAML file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file path.
func (s *Store) Path() string { return s.path }

// Load reads the full configuration from disk.
// Returns nil if the file does not exist or is empty.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// load reads and parses the config file. Returns nil,nil if not found.
func (s *Store) load() (*config.Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var cfg config.Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", s.path, err)
	}
	return &cfg, nil
}

// Save replaces the file contents with cfg.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == nil {
		cfg = &config.Config{}
	}
	return s.flush(cfg)
}

// flush atomically writes the config to disk with round-trip validation.
func (s *Store) flush(cfg *config.Config) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}

	// Round-trip validation: re-read and verify valid YAML.
	check, err := os.ReadFile(tmpPath)
	if err != nil {
		cleanup()
		return fmt.Errorf("read-back temp file: %w", err)
	}
	var verify config.Config
	if err := yaml.Unmarshal(check, &verify); err != nil {
		cleanup()
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}

// loadOrEmpty loads the config, returning an empty Config if the file doesn't exist.
func (s *Store) loadOrEmpty() (*config.Config, error) {
	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]config.ProfileConfig)
	}
	return cfg, nil
}

// mutate applies fn to the current config and flushes the result.
func (s *Store) mutate(fn func(cfg *config.Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.loadOrEmpty()
	if err != nil {
		return err
	}
	fn(cfg)
	return s.flush(cfg)
}

// Connectors

func (s *Store) ListConnectors(ctx context.Context) ([]config.ConnectorConfig, error) {
	cfg, err := s.Load(ctx)
	if err != nil || cfg == nil {
		return nil, err
	}
	return cfg.Connectors, nil
}

func (s *Store) PutConnector(ctx context.Context, cc config.ConnectorConfig) error {
	return s.mutate(func(cfg *config.Config) {
		for i, existing := range cfg.Connectors {
			if existing.Name == cc.Name {
				cfg.Connectors[i] = cc
				return
			}
		}
		cfg.Connectors = append(cfg.Connectors, cc)
	})
}

func (s *Store) DeleteConnector(ctx context.Context, name string) error {
	return s.mutate(func(cfg *config.Config) {
		cfg.Connectors = slices.DeleteFunc(cfg.Connectors, func(cc config.ConnectorConfig) bool {
			return cc.Name == name
		})
	})
}

// Profiles

func (s *Store) ListProfiles(ctx context.Context) (map[string]config.ProfileConfig, error) {
	cfg, err := s.Load(ctx)
	if err != nil || cfg == nil {
		return nil, err
	}
	return cfg.Profiles, nil
}

func (s *Store) PutProfile(ctx context.Context, name string, p config.ProfileConfig) error {
	return s.mutate(func(cfg *config.Config) {
		cfg.Profiles[name] = p
	})
}

func (s *Store) DeleteProfile(ctx context.Context, name string) error {
	return s.mutate(func(cfg *config.Config) {
		delete(cfg.Profiles, name)
	})
}
