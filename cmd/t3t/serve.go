package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/designerGenes/33ter-backend-sub000/internal/config"
	"github.com/designerGenes/33ter-backend-sub000/internal/discovery"
	"github.com/designerGenes/33ter-backend-sub000/internal/health"
	"github.com/designerGenes/33ter-backend-sub000/internal/logging"
	"github.com/designerGenes/33ter-backend-sub000/internal/relay"
	"github.com/designerGenes/33ter-backend-sub000/internal/sio"
)

func newServeCmd() *cobra.Command {
	var (
		host       string
		port       int
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// CLI flags override file and environment.
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", config.DefaultHost, "Host IP address to bind the server to")
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "Port number to bind the server to")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the JSON server config file")
	return cmd
}

func runServe(cfg *config.Config) error {
	if err := logging.Initialize(cfg.Server.LogLevel, false); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.Server.CORSOrigins) == 1 && cfg.Server.CORSOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.Server.CORSOrigins
	}
	router.Use(cors.New(corsCfg))

	srv := sio.NewServer(nil)
	rel := relay.New(cfg, srv)

	healthHandler := health.NewHandler(rel.Registry())
	router.GET("/socket.io/", srv.HandleRequest)
	router.GET("/health", healthHandler.Status)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Bind before anything else; a busy port is the one fatal startup error.
	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		slog.Error("❌ Failed to bind listen socket", "addr", cfg.ListenAddr(), "error", err)
		return err
	}

	httpSrv := &http.Server{Handler: router}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("✅ Relay server listening", "addr", cfg.ListenAddr(), "room", cfg.Server.Room)
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	rel.Start()

	// Advertisement starts after the socket is bound; losing discovery is
	// not fatal.
	advertiser := discovery.New(discovery.DefaultServiceType)
	go func() {
		if err := advertiser.Start(cfg.Server.Port); err != nil {
			slog.Error("mDNS registration failed - discovery disabled", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		slog.Error("Server failed", "error", err)
		return err
	case sig := <-quit:
		slog.Info("Shutting down server...", "signal", sig.String())
	}

	// Shutdown order: stop accepting, stop the relay's background tasks,
	// withdraw mDNS, close sockets. Stopping the relay cancels pending OCR
	// deadlines; outstanding OCR replies are not awaited.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced to shutdown", "error", err)
	}
	if err := rel.Shutdown(shutdownCtx); err != nil {
		slog.Error("Relay shutdown incomplete", "error", err)
	}

	mdnsCtx, mdnsCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer mdnsCancel()
	advertiser.Stop(mdnsCtx)

	srv.Shutdown(shutdownCtx)
	slog.Info("Server exiting")
	return nil
}
