package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/designerGenes/33ter-backend-sub000/internal/config"
	"github.com/designerGenes/33ter-backend-sub000/internal/logging"
	"github.com/designerGenes/33ter-backend-sub000/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	var (
		serverURL  string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the workstation capture/OCR agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if serverURL == "" {
				serverURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
			}
			return runWorker(cfg, serverURL)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server-url", "", "Relay server base URL (default http://127.0.0.1:<port>)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the JSON server config file")
	return cmd
}

func runWorker(cfg *config.Config, serverURL string) error {
	if err := logging.Initialize(cfg.Server.LogLevel, false); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Screenshot.Dir, 0o755); err != nil {
		return fmt.Errorf("creating capture dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Screenshot.TempDir, 0o755); err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := worker.New(serverURL, cfg.Screenshot, nil, nil)
	slog.Info("Worker starting", "server", serverURL, "capture_dir", cfg.Screenshot.Dir)

	err := agent.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Worker exited with error", "error", err)
		return err
	}
	slog.Info("Worker exiting")
	return nil
}
