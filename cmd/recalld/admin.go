package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print collection statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := json.MarshalIndent(a.manager.Stats(cmd.Context()), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every stored conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return errors.New("reset destroys all stored conversations; pass --yes to confirm")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.manager.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Collection reset")
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "Confirm the reset")
	return cmd
}

// puller is implemented by providers that can download their model.
type puller interface {
	Pull(ctx context.Context) error
}

func pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Download the embedding model into the local Ollama",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Embedder.Provider != config.ProviderOllama {
				return fmt.Errorf("pull needs the %s provider, configured provider is %s", config.ProviderOllama, cfg.Embedder.Provider)
			}

			ecfg := cfg.Embedder
			ecfg.Cache.Enabled = false
			e, err := newEmbedder(ecfg, newLogger(cfg.Log, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			p, ok := e.(puller)
			if !ok {
				return fmt.Errorf("provider %s cannot pull models", cfg.Embedder.Provider)
			}
			if err := p.Pull(cmd.Context()); err != nil {
				return err
			}
			if pinger, ok := e.(memory.Pinger); ok {
				if err := pinger.Ping(cmd.Context()); err != nil {
					return fmt.Errorf("model pulled but not listed: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Model %s ready\n", cfg.Embedder.Model)
			return nil
		},
	}
}
