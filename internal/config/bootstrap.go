package config

import (
	"context"
)

// BootstrapConnector is the name of the connector written on first run.
const BootstrapConnector = "local"

// DefaultConfig returns the bootstrap configuration for first run: one mock
// connector and a default profile over it.
func DefaultConfig() *Config {
	return &Config{
		Connectors: []ConnectorConfig{
			{
				Type: "mock",
				Name: BootstrapConnector,
				Params: map[string]string{
					"events":  "5000",
					"formats": "plain,json,kv,access,syslog",
				},
			},
		},
		Profiles: map[string]ProfileConfig{
			DefaultProfile: {Connectors: []string{BootstrapConnector}},
		},
	}
}

// Bootstrap writes the default configuration to a store using individual
// CRUD operations. Call this when Load returns nil (no config exists).
func Bootstrap(ctx context.Context, store Store) error {
	cfg := DefaultConfig()
	for _, cc := range cfg.Connectors {
		if err := store.PutConnector(ctx, cc); err != nil {
			return err
		}
	}
	for name, p := range cfg.Profiles {
		if err := store.PutProfile(ctx, name, p); err != nil {
			return err
		}
	}
	return nil
}

// LoadOrBootstrap loads the configuration from store, bootstrapping it
// first when nothing exists. The result is normalized and validated.
func LoadOrBootstrap(ctx context.Context, store Store) (*Config, error) {
	cfg, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if err := Bootstrap(ctx, store); err != nil {
			return nil, err
		}
		if cfg, err = store.Load(ctx); err != nil {
			return nil, err
		}
	}
	cfg = Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
