package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deployx/deployx/pkg/api"
	"github.com/deployx/deployx/pkg/audit"
	"github.com/deployx/deployx/pkg/config"
	"github.com/deployx/deployx/pkg/executor"
	"github.com/deployx/deployx/pkg/fleet"
	"github.com/deployx/deployx/pkg/hub"
	"github.com/deployx/deployx/pkg/sched"
)

func newControllerCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the control-plane server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			return runController(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	return cmd
}

func runController(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return err
		}
	}

	store, err := fleet.NewStore(fleet.StoreConfig{
		DataDir: cfg.DataDir,
		DBURL:   cfg.DBURL,
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var auditLog *audit.Log
	if path := auditPath(cfg); path != "" {
		auditLog, err = audit.Open(path)
		if err != nil {
			return err
		}
		defer auditLog.Close()
	}

	h := hub.New(hub.Config{
		ListenAddr: cfg.ListenAddr,
		MaxAgents:  cfg.MaxAgents,
	}, store, logger)

	exec := executor.New(store, h, logger)
	exec.Register(h)

	resolve := func(ctx context.Context, deviceIDs []string, groupIDs []fleet.GroupID) ([]fleet.Device, error) {
		devices := make([]fleet.Device, 0, len(deviceIDs))
		for _, id := range deviceIDs {
			agent, err := store.GetAgent(ctx, fleet.AgentID(id))
			if err != nil {
				if fleet.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			devices = append(devices, fleet.Device{ID: string(agent.ID), AgentID: agent.ID, Name: agent.DeviceName})
		}
		return devices, nil
	}
	scheduler := sched.New(store, exec, h, resolve, logger)

	h.OnStatusChange(func(agentID fleet.AgentID, status fleet.AgentStatus) {
		if status == fleet.AgentOnline {
			auditLog.Record(audit.EventAgentOnline, string(agentID), "", nil)
		} else {
			auditLog.Record(audit.EventAgentOffline, string(agentID), "", nil)
		}
	})

	mux := h.Mux()
	api.NewServer(store, h, exec, scheduler, auditLog, cfg.AllowedOrigin(), logger).Mount(mux)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- h.Start(ctx, withRequestLog(mux, logger)) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return h.Stop(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func auditPath(cfg *config.Config) string {
	if cfg.AuditLogPath != "" {
		return cfg.AuditLogPath
	}
	if cfg.DataDir != "" {
		return filepath.Join(cfg.DataDir, "audit.jsonl")
	}
	return ""
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path, _ = cmd.InheritedFlags().GetString("config")
	}
	return config.Load(path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func withRequestLog(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if !strings.HasPrefix(r.URL.Path, "/ws/") {
			logger.Debug("http", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
		}
	})
}
