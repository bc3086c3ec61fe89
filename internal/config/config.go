// Package config provides configuration persistence for cruncher.
//
// A Config names the connectors (configured adapter instances), the search
// profiles grouping them and the server settings. Stores persist it; the
// orchestrator consumes it at startup and on reload.
//
// Store does not:
//   - Instantiate connectors
//   - Check that connector types name registered plugins
//   - Watch for live changes (see Watch)
package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// DefaultProfile is the profile used when a query names neither an instance
// nor a profile.
const DefaultProfile = "default"

// Store persists and loads configuration with granular CRUD operations.
//
// Validation: Store does not validate config semantics. It only ensures the
// data can be serialized and deserialized. Semantic validation is done by
// Validate, called by the consumer.
type Store interface {
	// Load reads the full configuration. Returns nil if nothing exists (bootstrap signal).
	Load(ctx context.Context) (*Config, error)
	// Save replaces the full configuration.
	Save(ctx context.Context, cfg *Config) error

	// Connectors, in declaration order. Put replaces by name or appends.
	ListConnectors(ctx context.Context) ([]ConnectorConfig, error)
	PutConnector(ctx context.Context, cfg ConnectorConfig) error
	DeleteConnector(ctx context.Context, name string) error

	// Profiles
	ListProfiles(ctx context.Context) (map[string]ProfileConfig, error)
	PutProfile(ctx context.Context, name string, cfg ProfileConfig) error
	DeleteProfile(ctx context.Context, name string) error
}

// Config describes the desired system shape.
type Config struct {
	Connectors []ConnectorConfig         `yaml:"connectors" json:"connectors"`
	Profiles   map[string]ProfileConfig `yaml:"profiles,omitempty" json:"profiles,omitempty"`
	Server     ServerConfig             `yaml:"server,omitempty" json:"server,omitzero"`
}

// ConnectorConfig describes an adapter instance to create.
type ConnectorConfig struct {
	// Type is the plugin reference (e.g. "mock", "docker").
	Type string `yaml:"type" json:"type"`

	// Name is the instance reference used by @source refs and profiles.
	Name string `yaml:"name" json:"name"`

	// Params contains plugin-specific configuration as opaque string
	// key-value pairs. Parsing and validation are the responsibility of the
	// plugin factory.
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// ProfileConfig is a named group of connectors searched together.
type ProfileConfig struct {
	Connectors []string `yaml:"connectors" json:"connectors"`
}

// ServerConfig holds service settings. Zero fields take defaults.
type ServerConfig struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`

	// TaskTTL is how long a finished task survives without being released.
	TaskTTL time.Duration `yaml:"taskTTL,omitempty" json:"taskTTL,omitempty"`

	// SweepCron schedules the expired-task sweep. Standard 5-field syntax.
	SweepCron string `yaml:"sweepCron,omitempty" json:"sweepCron,omitempty"`

	// MaxConcurrentFetches bounds adapter fetches running at once.
	MaxConcurrentFetches int `yaml:"maxConcurrentFetches,omitempty" json:"maxConcurrentFetches,omitempty"`

	// ParseCacheSize is the number of parsed queries kept.
	ParseCacheSize int `yaml:"parseCacheSize,omitempty" json:"parseCacheSize,omitempty"`

	// RunQueryRate and RunQueryBurst limit runQuery requests per client
	// address (requests per second).
	RunQueryRate  float64 `yaml:"runQueryRate,omitempty" json:"runQueryRate,omitempty"`
	RunQueryBurst int     `yaml:"runQueryBurst,omitempty" json:"runQueryBurst,omitempty"`
}

// Server defaults.
const (
	DefaultAddr                 = ":4565"
	DefaultTaskTTL              = 30 * time.Minute
	DefaultSweepCron            = "* * * * *"
	DefaultMaxConcurrentFetches = 8
	DefaultParseCacheSize       = 256
	DefaultRunQueryRate         = 5
	DefaultRunQueryBurst        = 10
)

// WithDefaults returns s with zero fields set to their defaults.
func (s ServerConfig) WithDefaults() ServerConfig {
	if s.Addr == "" {
		s.Addr = DefaultAddr
	}
	if s.TaskTTL == 0 {
		s.TaskTTL = DefaultTaskTTL
	}
	if s.SweepCron == "" {
		s.SweepCron = DefaultSweepCron
	}
	if s.MaxConcurrentFetches == 0 {
		s.MaxConcurrentFetches = DefaultMaxConcurrentFetches
	}
	if s.ParseCacheSize == 0 {
		s.ParseCacheSize = DefaultParseCacheSize
	}
	if s.RunQueryRate == 0 {
		s.RunQueryRate = DefaultRunQueryRate
	}
	if s.RunQueryBurst == 0 {
		s.RunQueryBurst = DefaultRunQueryBurst
	}
	return s
}

// ValidateCron checks the SweepCron expression. An empty expression is valid.
func (s ServerConfig) ValidateCron() error {
	if s.SweepCron == "" {
		return nil
	}
	cr := gocron.NewDefaultCron(false)
	if err := cr.IsValid(s.SweepCron, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid sweepCron expression: %w", err)
	}
	return nil
}

// Connector returns the connector named name.
func (c *Config) Connector(name string) (ConnectorConfig, bool) {
	i := slices.IndexFunc(c.Connectors, func(cc ConnectorConfig) bool { return cc.Name == name })
	if i < 0 {
		return ConnectorConfig{}, false
	}
	return c.Connectors[i], true
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := &Config{Server: c.Server}
	if c.Connectors != nil {
		out.Connectors = make([]ConnectorConfig, len(c.Connectors))
		for i, cc := range c.Connectors {
			out.Connectors[i] = cc.Clone()
		}
	}
	if c.Profiles != nil {
		out.Profiles = make(map[string]ProfileConfig, len(c.Profiles))
		for name, p := range c.Profiles {
			out.Profiles[name] = ProfileConfig{Connectors: slices.Clone(p.Connectors)}
		}
	}
	return out
}

// Clone returns a copy of c with its own params map.
func (c ConnectorConfig) Clone() ConnectorConfig {
	c.Params = maps.Clone(c.Params)
	return c
}

// Validate reports every semantic problem in c: connectors without a type,
// duplicate connector names, profiles naming unknown connectors and invalid
// server settings.
func Validate(c *Config) error {
	if c == nil {
		return nil
	}
	var errs []error
	seen := make(map[string]bool, len(c.Connectors))
	for i, cc := range c.Connectors {
		if cc.Type == "" {
			errs = append(errs, fmt.Errorf("connector %d (%q): type is required", i, cc.Name))
		}
		if cc.Name == "" {
			errs = append(errs, fmt.Errorf("connector %d: name is required", i))
			continue
		}
		if seen[cc.Name] {
			errs = append(errs, fmt.Errorf("connector %q: duplicate name", cc.Name))
		}
		seen[cc.Name] = true
	}
	for _, name := range slices.Sorted(maps.Keys(c.Profiles)) {
		for _, ref := range c.Profiles[name].Connectors {
			if !seen[ref] {
				errs = append(errs, fmt.Errorf("profile %q: unknown connector %q", name, ref))
			}
		}
	}

	s := c.Server
	if err := s.ValidateCron(); err != nil {
		errs = append(errs, err)
	}
	if s.TaskTTL < 0 {
		errs = append(errs, errors.New("taskTTL must not be negative"))
	}
	if s.MaxConcurrentFetches < 0 || s.ParseCacheSize < 0 || s.RunQueryBurst < 0 || s.RunQueryRate < 0 {
		errs = append(errs, errors.New("server limits must not be negative"))
	}
	return errors.Join(errs...)
}
