// Package cli implements the cruncher subcommands that work on a local
// configuration store or talk to a running server: config, query, repl and
// plugins.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"cruncher/internal/adapter"
	"cruncher/internal/config"
	configfile "cruncher/internal/config/file"
	configmem "cruncher/internal/config/memory"
	configsqlite "cruncher/internal/config/sqlite"
	"cruncher/internal/home"
	"cruncher/internal/orchestrator"
	"cruncher/internal/repl"
)

// Store types accepted by --config-type.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Env carries what the subcommands share with main.
type Env struct {
	Logger   *slog.Logger
	Registry *adapter.Registry
}

// ResolveHome returns a Dir from the flag value, or the platform default.
func ResolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

// OpenStore creates a config.Store of the given type inside hd. The
// returned close function is never nil.
func OpenStore(ctx context.Context, hd home.Dir, storeType string) (config.Store, func() error, error) {
	nop := func() error { return nil }
	switch storeType {
	case StoreMemory:
		return configmem.NewStore(), nop, nil
	case StoreFile:
		if err := hd.Ensure(); err != nil {
			return nil, nil, err
		}
		return configfile.NewStore(hd.ConfigPath()), nop, nil
	case StoreSQLite:
		if err := hd.Ensure(); err != nil {
			return nil, nil, err
		}
		s, err := configsqlite.NewStore(ctx, hd.DBPath())
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown config store type: %q", storeType)
	}
}

// storeFromCmd opens the store named by the persistent --home and
// --config-type flags.
func storeFromCmd(cmd *cobra.Command) (config.Store, func() error, error) {
	homeFlag, _ := cmd.Flags().GetString("home")
	storeType, _ := cmd.Flags().GetString("config-type")
	hd, err := ResolveHome(homeFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return OpenStore(cmd.Context(), hd, storeType)
}

// NewOrchestrator builds an orchestrator from cfg's server settings and
// applies cfg to it. The caller starts and closes it.
func NewOrchestrator(env Env, cfg *config.Config, notifier orchestrator.Notifier) (*orchestrator.Orchestrator, error) {
	sc := cfg.Server.WithDefaults()
	orch, err := orchestrator.New(orchestrator.Config{
		Registry:             env.Registry,
		Notifier:             notifier,
		Logger:               env.Logger,
		TaskTTL:              sc.TaskTTL,
		SweepCron:            sc.SweepCron,
		MaxConcurrentFetches: sc.MaxConcurrentFetches,
		ParseCacheSize:       sc.ParseCacheSize,
	})
	if err != nil {
		return nil, err
	}
	if err := orch.ApplyConfig(cfg); err != nil {
		return nil, errors.Join(err, orch.Close())
	}
	return orch, nil
}

// clientFromCmd returns a remote client when --addr is set, else an
// embedded one over an orchestrator built from the local store.
func clientFromCmd(cmd *cobra.Command, env Env) (repl.Client, func(), error) {
	ctx := cmd.Context()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		c, err := repl.Dial(ctx, addr, env.Logger)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	}

	store, closeStore, err := storeFromCmd(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadOrBootstrap(ctx, store)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	orch, err := NewOrchestrator(env, cfg, nil)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	orch.Start()
	return repl.NewEmbeddedClient(orch), func() {
		_ = orch.Close()
		_ = closeStore()
	}, nil
}

// NewReplCommand returns the "repl" command.
func NewReplCommand(env Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive query shell",
		Long:  "Start an interactive query shell, in-process over the local configuration or against a running server with --addr.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, done, err := clientFromCmd(cmd, env)
			if err != nil {
				return err
			}
			defer done()
			return repl.New(client, cmd.InOrStdin(), cmd.OutOrStdout()).Run()
		},
	}
	cmd.Flags().String("addr", "", "server address (default: run in-process)")
	return cmd
}

// NewPluginsCommand returns the "plugins" command.
func NewPluginsCommand(env Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List the available source plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
			plugins := env.Registry.Plugins()
			if p.format != formatTable {
				return p.encode(pluginViews(plugins))
			}
			rows := make([][]string, 0, len(plugins))
			for _, pl := range plugins {
				rows = append(rows, []string{pl.Ref, pl.Name, pl.Description})
			}
			p.table([]string{"REF", "NAME", "DESCRIPTION"}, rows)
			return nil
		},
	}
	addOutputFlag(cmd)
	return cmd
}

type pluginView struct {
	Ref         string            `json:"ref" yaml:"ref"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Defaults    map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

func pluginViews(plugins []adapter.Plugin) []pluginView {
	out := make([]pluginView, len(plugins))
	for i, p := range plugins {
		out[i] = pluginView{Ref: p.Ref, Name: p.Name, Description: p.Description}
		if p.Defaults != nil {
			out[i].Defaults = p.Defaults()
		}
	}
	return out
}

func writeAll(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	return err
}
