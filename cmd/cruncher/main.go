// Command cruncher runs the federated log query service and its tools.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"cruncher/cmd/cruncher/cli"
	"cruncher/internal/adapter"
	"cruncher/internal/adapter/docker"
	"cruncher/internal/adapter/file"
	"cruncher/internal/adapter/kafka"
	"cruncher/internal/adapter/mock"
	"cruncher/internal/config"
	"cruncher/internal/logging"
	"cruncher/internal/server"
)

var version = "dev"

func main() {
	// Allow all levels; filtering is done by ComponentFilterHandler.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	env := cli.Env{Logger: logger, Registry: buildRegistry()}
	server.Version = version

	rootCmd := &cobra.Command{
		Use:           "cruncher",
		Short:         "Federated log search",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := applyLogFlags(cmd, filterHandler); err != nil {
				return err
			}
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("config-type", cli.StoreFile, "config store type: file, sqlite, or memory")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringSlice("debug-component", nil, "log this component at debug level (repeatable)")
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060); bind to loopback only")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server"},
		Short:   "Start the cruncher service",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			configType, _ := cmd.Flags().GetString("config-type")
			addr, _ := cmd.Flags().GetString("addr")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, env, homeFlag, configType, addr)
		},
	}
	serveCmd.Flags().String("addr", "", "listen address (default: server.addr from config, else "+config.DefaultAddr+")")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(
		serveCmd,
		versionCmd,
		cli.NewQueryCommand(env),
		cli.NewReplCommand(env),
		cli.NewConfigCommand(env),
		cli.NewPluginsCommand(env),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRegistry registers every built-in source plugin.
func buildRegistry() *adapter.Registry {
	return adapter.NewRegistry(
		mock.Plugin(),
		docker.Plugin(),
		kafka.Plugin(),
		file.Plugin(),
	)
}

func applyLogFlags(cmd *cobra.Command, h *logging.ComponentFilterHandler) error {
	levelFlag, _ := cmd.Flags().GetString("log-level")
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelFlag)); err != nil {
		return fmt.Errorf("invalid --log-level %q", levelFlag)
	}
	h.SetDefaultLevel(level)

	components, _ := cmd.Flags().GetStringSlice("debug-component")
	for _, c := range components {
		h.SetLevel(strings.TrimSpace(c), slog.LevelDebug)
	}
	return nil
}

func run(ctx context.Context, env cli.Env, homeFlag, configType, addrFlag string) error {
	logger := env.Logger

	hd, err := cli.ResolveHome(homeFlag)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	nodeID := uuid.NewString()
	if configType != cli.StoreMemory {
		logger.Info("home directory", "path", hd.Root())
		if nodeID, err = hd.NodeID(); err != nil {
			return err
		}
	}

	cfgStore, closeStore, err := cli.OpenStore(ctx, hd, configType)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	defer func() { _ = closeStore() }()

	logger.Info("loading config", "type", configType)
	cfg, err := config.LoadOrBootstrap(ctx, cfgStore)
	if err != nil {
		return err
	}
	logger.Info("loaded config", "connectors", len(cfg.Connectors), "profiles", len(cfg.Profiles))

	sc := cfg.Server.WithDefaults()
	addr := sc.Addr
	if addrFlag != "" {
		addr = addrFlag
	}

	hub := server.NewHub(logger)
	orch, err := cli.NewOrchestrator(env, cfg, hub)
	if err != nil {
		return err
	}
	orch.Start()
	logger.Info("orchestrator started")

	srv := server.New(orch, hub, server.Config{
		Logger:        logger,
		NodeID:        nodeID,
		Store:         cfgStore,
		RunQueryRate:  sc.RunQueryRate,
		RunQueryBurst: sc.RunQueryBurst,
	})

	var wg sync.WaitGroup
	wg.Go(func() {
		if err := srv.ServeTCP(addr); err != nil {
			logger.Error("server error", "error", err)
		}
	})

	// Only the file store can change underneath us.
	if configType == cli.StoreFile {
		wg.Go(func() {
			err := config.Watch(ctx, hd.ConfigPath(), logger, func() {
				if err := srv.Reload(ctx); err != nil {
					logger.Error("config reload failed", "error", err)
				}
			})
			if err != nil {
				logger.Error("config watch stopped", "error", err)
			}
		})
	}

	<-ctx.Done()

	logger.Info("stopping server")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	wg.Wait()

	logger.Info("shutting down orchestrator")
	if err := orch.Close(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
