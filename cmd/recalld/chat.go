package main

import (
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/engine"
)

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Answer one message with Claude, grounded in past conversations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			eng := newEngine(cfg.Engine, a)

			stream, _ := cmd.Flags().GetBool("stream")
			id, _ := cmd.Flags().GetString("id")
			phone, _ := cmd.Flags().GetString("phone")
			category, _ := cmd.Flags().GetString("category")

			out := cmd.OutOrStdout()
			input := &engine.Input{
				UserMessage: strings.Join(args, " "),
				ExchangeID:  id,
				UserPhone:   phone,
				Category:    category,
			}
			if stream {
				input.StreamCallback = func(chunk string, done bool) {
					if done {
						fmt.Fprintln(out)
						return
					}
					fmt.Fprint(out, chunk)
				}
			}

			reply, err := eng.Respond(cmd.Context(), input)
			if err != nil {
				return err
			}
			if !stream {
				fmt.Fprintln(out, reply.Text)
			}
			if reply.ExchangeID != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "recorded as %s (mark it helpful with PUT /update/%s?was_helpful=true)\n", reply.ExchangeID, reply.ExchangeID)
			}
			return nil
		},
	}
	cmd.Flags().Bool("stream", false, "Stream the reply as it is generated")
	cmd.Flags().String("id", "", "ID to record the exchange under (default: generated)")
	cmd.Flags().String("phone", "", "User phone to record with the exchange")
	cmd.Flags().String("category", "", "Category to record with the exchange")
	return cmd
}

// newEngine builds the responder. An empty API key leaves the SDK to read
// ANTHROPIC_API_KEY.
func newEngine(cfg config.EngineConfig, a *app, opts ...option.RequestOption) *engine.Engine {
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client := anthropic.NewClient(opts...)
	return engine.NewEngine(&client,
		engine.WithMemory(a.manager),
		engine.WithLogger(a.logger),
		engine.WithConfig(engine.Config{
			Model:          cfg.Model,
			MaxTokens:      cfg.MaxTokens,
			SystemPrompt:   cfg.SystemPrompt,
			ClassifyIntent: cfg.ClassifyIntent,
		}),
	)
}
