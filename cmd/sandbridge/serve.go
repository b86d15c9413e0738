package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandbridge/internal/config"
	"github.com/jkaninda/sandbridge/internal/gateway"
	"github.com/jkaninda/sandbridge/internal/gateway/httpapi"
	"github.com/jkaninda/sandbridge/internal/gateway/ws"
	"github.com/jkaninda/sandbridge/internal/reconciler"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server (HTTP/SSE, optional WebSocket)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sandbridge --config path` and `sandbridge serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts Sandbridge in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SANDBRIDGE_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		cfg.Gateway.HTTP.ListenAddr = servePort
	}

	logger.Info("starting in server mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpGW := buildHTTPGateway(cfg, sc)

	// Dev-server reconciler (optional).
	if cfg.Reconciler != nil && cfg.Reconciler.Enabled {
		rec := reconciler.New(sc.Store, sc.Provider, sc.Resolver, sc.Monitor,
			cfg.TenantKey, cfg.Reconciler.Schedule, cfg.DevServer.Port, logger)
		if err := rec.Start(ctx); err != nil {
			return err
		}
		defer rec.Stop()
		logger.Debug("reconciler started", slog.String("schedule", cfg.Reconciler.Schedule))
	}

	gateways := []gateway.Gateway{httpGW}

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildHTTPGateway assembles the HTTP/SSE gateway, mounting the WebSocket
// chat endpoint and observability endpoints when enabled.
func buildHTTPGateway(cfg *config.Config, sc *SharedComponents) *httpapi.Gateway {
	gwCfg := httpapi.Config{
		ListenAddr: cfg.Gateway.HTTP.ListenAddr,
		EnableDocs: cfg.Gateway.HTTP.EnableDocs,
		APIKeys:    cfg.Gateway.HTTP.APIKeys,
		TenantKey:  cfg.TenantKey,
	}

	if sc.Obs != nil {
		gwCfg.Metrics = sc.Obs.Metrics
		gwCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if sc.Obs.Metrics != nil && cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	// EnableDocs is handled by the gateway itself on Start.
	gw := httpapi.NewGateway(gwCfg, sc.Resolver, sc.Bridge, sc.Store, sc.Limiter, sc.Logger)

	if cfg.Gateway.WS != nil && cfg.Gateway.WS.Enabled {
		wsServer := ws.NewServer(sc.Resolver, sc.Bridge, sc.Store, sc.Limiter,
			cfg.Gateway.HTTP.APIKeys, cfg.TenantKey, sc.Logger)
		gw = gw.WithHandler("/ws/chat", wsServer.Handler())
		sc.Logger.Debug("websocket chat endpoint mounted", slog.String("path", "/ws/chat"))
	}

	return gw
}
