package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deployx/deployx/pkg/agent"
)

func newAgentCmd() *cobra.Command {
	var (
		serverURL string
		agentID   string
		dataDir   string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the endpoint agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if serverURL == "" {
				serverURL = cfg.ServerURL
			}
			if agentID == "" {
				agentID = cfg.AgentID
			}

			a, err := agent.New(agent.Config{
				ServerURL: serverURL,
				AgentID:   agentID,
				DataDir:   dataDir,
				Version:   version,
				Logger:    newLogger(cfg.LogLevel),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "controller WebSocket URL, e.g. ws://controller:8765")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "override the machine-derived agent id")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "agent state directory (default ~/.deployx)")
	return cmd
}
