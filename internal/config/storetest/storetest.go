// Package storetest provides a shared conformance test suite for config.Store
// implementations. Each backend (memory, file, sqlite) wires this suite to
// verify it satisfies the full Store contract.
package storetest

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"cruncher/internal/config"
)

// TestStore runs the full conformance suite against a Store implementation.
// newStore must return a fresh, empty store for each sub-test.
func TestStore(t *testing.T, newStore func(t *testing.T) config.Store) {
	ctx := context.Background()

	t.Run("LoadEmpty", func(t *testing.T) {
		s := newStore(t)
		cfg, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg != nil {
			t.Fatalf("expected nil config from empty store, got %+v", cfg)
		}
	})

	t.Run("PutListConnectors", func(t *testing.T) {
		s := newStore(t)
		put(t, s, config.ConnectorConfig{Type: "mock", Name: "alpha", Params: map[string]string{"events": "10"}})
		put(t, s, config.ConnectorConfig{Type: "docker", Name: "beta"})
		put(t, s, config.ConnectorConfig{Type: "file", Name: "gamma", Params: map[string]string{"paths": "/var/log/*.log"}})

		got, err := s.ListConnectors(ctx)
		if err != nil {
			t.Fatalf("ListConnectors: %v", err)
		}
		if names := connectorNames(got); !slices.Equal(names, []string{"alpha", "beta", "gamma"}) {
			t.Fatalf("order: got %v", names)
		}
		if got[2].Params["paths"] != "/var/log/*.log" {
			t.Errorf("params: got %v", got[2].Params)
		}
	})

	t.Run("PutConnectorReplacesInPlace", func(t *testing.T) {
		s := newStore(t)
		put(t, s, config.ConnectorConfig{Type: "mock", Name: "alpha"})
		put(t, s, config.ConnectorConfig{Type: "mock", Name: "beta"})
		put(t, s, config.ConnectorConfig{Type: "kafka", Name: "alpha", Params: map[string]string{"topic": "logs"}})

		got, err := s.ListConnectors(ctx)
		if err != nil {
			t.Fatalf("ListConnectors: %v", err)
		}
		if names := connectorNames(got); !slices.Equal(names, []string{"alpha", "beta"}) {
			t.Fatalf("order: got %v", names)
		}
		if got[0].Type != "kafka" || got[0].Params["topic"] != "logs" {
			t.Errorf("replaced connector: got %+v", got[0])
		}
	})

	t.Run("DeleteConnector", func(t *testing.T) {
		s := newStore(t)
		put(t, s, config.ConnectorConfig{Type: "mock", Name: "alpha"})
		put(t, s, config.ConnectorConfig{Type: "mock", Name: "beta"})

		if err := s.DeleteConnector(ctx, "alpha"); err != nil {
			t.Fatalf("DeleteConnector: %v", err)
		}
		if err := s.DeleteConnector(ctx, "missing"); err != nil {
			t.Fatalf("DeleteConnector(missing): %v", err)
		}
		got, err := s.ListConnectors(ctx)
		if err != nil {
			t.Fatalf("ListConnectors: %v", err)
		}
		if names := connectorNames(got); !slices.Equal(names, []string{"beta"}) {
			t.Fatalf("got %v", names)
		}
	})

	t.Run("Profiles", func(t *testing.T) {
		s := newStore(t)
		put(t, s, config.ConnectorConfig{Type: "mock", Name: "alpha"})
		if err := s.PutProfile(ctx, "default", config.ProfileConfig{Connectors: []string{"alpha"}}); err != nil {
			t.Fatalf("PutProfile: %v", err)
		}
		if err := s.PutProfile(ctx, "ops", config.ProfileConfig{Connectors: []string{"alpha", "beta"}}); err != nil {
			t.Fatalf("PutProfile: %v", err)
		}
		if err := s.PutProfile(ctx, "ops", config.ProfileConfig{Connectors: []string{"beta"}}); err != nil {
			t.Fatalf("PutProfile(replace): %v", err)
		}

		got, err := s.ListProfiles(ctx)
		if err != nil {
			t.Fatalf("ListProfiles: %v", err)
		}
		want := map[string]config.ProfileConfig{
			"default": {Connectors: []string{"alpha"}},
			"ops":     {Connectors: []string{"beta"}},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("profiles mismatch (-want +got):\n%s", diff)
		}

		if err := s.DeleteProfile(ctx, "ops"); err != nil {
			t.Fatalf("DeleteProfile: %v", err)
		}
		got, err = s.ListProfiles(ctx)
		if err != nil {
			t.Fatalf("ListProfiles: %v", err)
		}
		if _, ok := got["ops"]; ok || len(got) != 1 {
			t.Errorf("after delete: got %v", got)
		}
	})

	t.Run("LoadAfterPut", func(t *testing.T) {
		s := newStore(t)
		if err := s.PutProfile(ctx, "empty", config.ProfileConfig{}); err != nil {
			t.Fatalf("PutProfile: %v", err)
		}
		cfg, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg == nil {
			t.Fatal("expected config after put, got nil")
		}
		if _, ok := cfg.Profiles["empty"]; !ok {
			t.Errorf("profile missing: %+v", cfg.Profiles)
		}
	})

	t.Run("SaveLoadRoundTrip", func(t *testing.T) {
		s := newStore(t)
		want := &config.Config{
			Connectors: []config.ConnectorConfig{
				{Type: "mock", Name: "local", Params: map[string]string{"events": "100", "seed": "7"}},
				{Type: "docker", Name: "containers"},
			},
			Profiles: map[string]config.ProfileConfig{
				"default": {Connectors: []string{"local"}},
				"all":     {Connectors: []string{"local", "containers"}},
			},
			Server: config.ServerConfig{
				Addr:                 "127.0.0.1:9000",
				TaskTTL:              5 * time.Minute,
				SweepCron:            "*/5 * * * *",
				MaxConcurrentFetches: 3,
				RunQueryRate:         1.5,
			},
		}
		if err := s.Save(ctx, want); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("config mismatch (-want +got):\n%s", diff)
		}

		// A second save replaces rather than merges.
		next := &config.Config{
			Connectors: []config.ConnectorConfig{{Type: "file", Name: "logs", Params: map[string]string{"paths": "*.log"}}},
		}
		if err := s.Save(ctx, next); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err = s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if diff := cmp.Diff(next, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("config mismatch after replace (-want +got):\n%s", diff)
		}
	})

	t.Run("LoadReturnsCopy", func(t *testing.T) {
		s := newStore(t)
		put(t, s, config.ConnectorConfig{Type: "mock", Name: "alpha", Params: map[string]string{"events": "1"}})

		cfg, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		cfg.Connectors[0].Params["events"] = "999"

		again, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if again.Connectors[0].Params["events"] != "1" {
			t.Errorf("store shares state with caller: %v", again.Connectors[0].Params)
		}
	})

	t.Run("Bootstrap", func(t *testing.T) {
		s := newStore(t)
		cfg, err := config.LoadOrBootstrap(ctx, s)
		if err != nil {
			t.Fatalf("LoadOrBootstrap: %v", err)
		}
		if _, ok := cfg.Connector(config.BootstrapConnector); !ok {
			t.Fatalf("bootstrap connector missing: %+v", cfg.Connectors)
		}

		// Second call loads what the first one wrote.
		put(t, s, config.ConnectorConfig{Type: "mock", Name: "extra"})
		cfg, err = config.LoadOrBootstrap(ctx, s)
		if err != nil {
			t.Fatalf("LoadOrBootstrap: %v", err)
		}
		if names := connectorNames(cfg.Connectors); !slices.Equal(names, []string{config.BootstrapConnector, "extra"}) {
			t.Errorf("got %v", names)
		}
	})
}

func put(t *testing.T, s config.Store, cc config.ConnectorConfig) {
	t.Helper()
	if err := s.PutConnector(context.Background(), cc); err != nil {
		t.Fatalf("PutConnector(%s): %v", cc.Name, err)
	}
}

func connectorNames(ccs []config.ConnectorConfig) []string {
	names := make([]string, len(ccs))
	for i, cc := range ccs {
		names[i] = cc.Name
	}
	return names
}
