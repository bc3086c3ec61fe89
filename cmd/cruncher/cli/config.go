package cli

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"cruncher/internal/config"
)

// NewConfigCommand returns the "config" command with all subcommands wired
// in. Every subcommand works directly on the store selected by --home and
// --config-type; a running server picks up file-store edits through its
// watcher and other edits on reloadConfig.
func NewConfigCommand(env Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit the cruncher configuration",
	}
	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(env),
		newConfigInitCmd(),
		newConnectorCmd(),
		newProfileCmd(),
	)
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(config.Store) error) error {
	store, closeStore, err := storeFromCmd(cmd)
	if err != nil {
		return err
	}
	return errors.Join(fn(store), closeStore())
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(store config.Store) error {
				cfg, err := store.Load(cmd.Context())
				if err != nil {
					return err
				}
				if cfg == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "No configuration. Run 'cruncher config init'.")
					return nil
				}
				format := outputFormat(cmd)
				if format == formatTable {
					format = formatYAML
				}
				return newPrinter(format, cmd.OutOrStdout()).encode(cfg)
			})
		},
	}
	addOutputFlag(cmd)
	return cmd
}

func newConfigValidateCmd(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and that every connector type is a known plugin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(store config.Store) error {
				cfg, err := store.Load(cmd.Context())
				if err != nil {
					return err
				}
				if cfg == nil {
					return errors.New("no configuration")
				}
				cfg = config.Normalize(cfg)
				if err := config.Validate(cfg); err != nil {
					return err
				}
				for _, cc := range cfg.Connectors {
					if _, err := env.Registry.Lookup(cc.Type); err != nil {
						return fmt.Errorf("connector %q: %w", cc.Name, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid: %d connectors, %d profiles.\n",
					len(cfg.Connectors), len(cfg.Profiles))
				return nil
			})
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(store config.Store) error {
				cfg, err := store.Load(cmd.Context())
				if err != nil {
					return err
				}
				if cfg != nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Configuration already exists.")
					return nil
				}
				if err := config.Bootstrap(cmd.Context(), store); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Default configuration written.")
				return nil
			})
		},
	}
}

func newConnectorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connector",
		Aliases: []string{"connectors"},
		Short:   "Manage connectors",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List connectors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(store config.Store) error {
				connectors, err := store.ListConnectors(cmd.Context())
				if err != nil {
					return err
				}
				p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
				if p.format != formatTable {
					return p.encode(connectors)
				}
				rows := make([][]string, 0, len(connectors))
				for _, cc := range connectors {
					rows = append(rows, []string{cc.Name, cc.Type, formatParams(cc.Params)})
				}
				p.table([]string{"NAME", "TYPE", "PARAMS"}, rows)
				return nil
			})
		},
	}
	addOutputFlag(list)

	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or replace a connector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, _ := cmd.Flags().GetString("type")
			raw, _ := cmd.Flags().GetStringToString("param")
			cc := config.ConnectorConfig{Type: typ, Name: args[0], Params: raw}
			return withStore(cmd, func(store config.Store) error {
				if err := store.PutConnector(cmd.Context(), cc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Connector %s saved.\n", cc.Name)
				return nil
			})
		},
	}
	add.Flags().String("type", "", "plugin reference (mock, docker, kafka, file)")
	add.Flags().StringToString("param", nil, "plugin parameter key=value (repeatable)")
	_ = add.MarkFlagRequired("type")

	remove := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a connector",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store config.Store) error {
				if err := store.DeleteConnector(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Connector %s removed.\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "profile",
		Aliases: []string{"profiles"},
		Short:   "Manage search profiles",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(store config.Store) error {
				profiles, err := store.ListProfiles(cmd.Context())
				if err != nil {
					return err
				}
				p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
				if p.format != formatTable {
					return p.encode(profiles)
				}
				rows := make([][]string, 0, len(profiles))
				for _, name := range slices.Sorted(maps.Keys(profiles)) {
					rows = append(rows, []string{name, strings.Join(profiles[name].Connectors, ",")})
				}
				p.table([]string{"NAME", "CONNECTORS"}, rows)
				return nil
			})
		},
	}
	addOutputFlag(list)

	set := &cobra.Command{
		Use:   "set <name> <connector>...",
		Short: "Create or replace a profile",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store config.Store) error {
				if err := store.PutProfile(cmd.Context(), args[0], config.ProfileConfig{Connectors: args[1:]}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Profile %s saved.\n", args[0])
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a profile",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store config.Store) error {
				if err := store.DeleteProfile(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Profile %s removed.\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, set, remove)
	return cmd
}

func formatParams(params map[string]string) string {
	parts := make([]string, 0, len(params))
	for _, k := range slices.Sorted(maps.Keys(params)) {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, " ")
}
