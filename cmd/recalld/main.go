// Package main is the entry point for the recalld CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/config"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "recalld",
		Short:         "Semantic memory of past conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	root.AddCommand(
		versionCmd(),
		serveCmd(),
		statsCmd(),
		resetCmd(),
		pullCmd(),
		chatCmd(),
		importCmd(),
		configCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "recalld %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration OK")
			fmt.Fprintf(out, "  store:    %s (%s)\n", cfg.Store.Driver, cfg.Store.Collection)
			fmt.Fprintf(out, "  embedder: %s (%s, %d dims)\n", cfg.Embedder.Provider, cfg.Embedder.Model, cfg.Embedder.Dimensions)
			fmt.Fprintf(out, "  listen:   %s\n", cfg.Server.Addr)
			return nil
		},
	})
	return cmd
}

// loadConfig loads the --config file, or the first file found in the
// standard locations, or the defaults when there is none. The result is
// validated.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = resolveConfigPath()
	}

	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveConfigPath searches for a config file in standard locations.
// Search order: $RECALL_CONFIG, then $XDG_CONFIG_HOME/recalld/recalld.yaml, then ./recalld.yaml.
func resolveConfigPath() string {
	var candidates []string
	if p, ok := os.LookupEnv("RECALL_CONFIG"); ok {
		return p
	}
	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "recalld", "recalld.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "recalld", "recalld.yaml"))
	}
	candidates = append(candidates, "recalld.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		} else if !errors.Is(err, os.ErrNotExist) {
			return c
		}
	}
	return ""
}
