package memory

import (
	"context"
	"testing"

	"cruncher/internal/config"
	"cruncher/internal/config/storetest"
)

func TestConformance(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) config.Store {
		return NewStore()
	})
}

func TestSaveCopiesInput(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	cfg := &config.Config{
		Connectors: []config.ConnectorConfig{{Type: "mock", Name: "a", Params: map[string]string{"events": "1"}}},
	}
	if err := s.Save(ctx, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cfg.Connectors[0].Params["events"] = "2"

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Connectors[0].Params["events"] != "1" {
		t.Errorf("store aliases saved config: %v", got.Connectors[0].Params)
	}
}
