// Command questmind runs the QuestMind agent service.
//
//	questmind serve --config questmind.yaml
//	questmind chat --thread demo "plan my week"
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ghiac/questmind"
	"github.com/ghiac/questmind/config"
	"github.com/ghiac/questmind/engine"
	"github.com/ghiac/questmind/log"
	"github.com/ghiac/questmind/server"
	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		log.Log.Errorf("[CLI] ❌ %v", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "questmind",
		Short:        "QuestMind - agent for tasks, notes and expenses",
		Version:      questmind.Version(),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("QUESTMIND_CONFIG"),
		"Path to YAML configuration file (environment variables apply when empty)")

	root.AddCommand(buildServeCmd(&configPath), buildChatCmd(&configPath))
	return root
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return err
			}

			qm, err := questmind.New(cfg, nil)
			if err != nil {
				return fmt.Errorf("failed to start QuestMind: %w", err)
			}
			defer qm.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Log.Infof("=== QuestMind %s ===", questmind.Version())
			return server.NewServer(cfg, qm).Run(ctx)
		},
	}
}

func buildChatCmd(configPath *string) *cobra.Command {
	var (
		threadID string
		expense  bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Run a single agent turn and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return err
			}
			if cfg.Log.Level == "info" {
				// keep stdout readable for the JSON result
				cfg.Log.Level = "warn"
			}

			qm, err := questmind.New(cfg, nil)
			if err != nil {
				return fmt.Errorf("failed to start QuestMind: %w", err)
			}
			defer qm.Close()

			text := strings.Join(args, " ")
			ctx := context.Background()

			var result any
			if expense {
				result, err = qm.Engine().Expense(ctx, engine.ExpenseRequest{ThreadID: threadID, Text: text})
			} else {
				result, err = qm.Engine().Chat(ctx, engine.ChatRequest{ThreadID: threadID, Text: text})
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Conversation thread id (default thread when empty)")
	cmd.Flags().BoolVar(&expense, "expense", false, "Run the expense extraction variant")
	return cmd
}
