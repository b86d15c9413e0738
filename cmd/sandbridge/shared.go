package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/sandbridge/internal/bridge"
	"github.com/jkaninda/sandbridge/internal/config"
	"github.com/jkaninda/sandbridge/internal/health"
	"github.com/jkaninda/sandbridge/internal/observability"
	"github.com/jkaninda/sandbridge/internal/provider"
	"github.com/jkaninda/sandbridge/internal/provider/docker"
	"github.com/jkaninda/sandbridge/internal/ratelimit"
	"github.com/jkaninda/sandbridge/internal/resolver"
	"github.com/jkaninda/sandbridge/internal/state"
	"github.com/jkaninda/sandbridge/internal/state/gormstore"
	"github.com/jkaninda/sandbridge/internal/state/memory"
	"github.com/jkaninda/sandbridge/internal/workspace"
)

// SharedComponents holds everything the serve and mcp modes have in common:
// workspace, state store, provider, resolver, bridge, and observability.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     state.Store
	Provider  provider.Provider
	Monitor   *health.Monitor
	Obs       *observability.Observability
	Resolver  *resolver.Resolver
	Bridge    *bridge.Bridge
	Limiter   *ratelimit.Limiter

	cleanups []func()
}

// addCleanup registers a teardown function. Cleanup runs them in reverse
// registration order.
func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// Cleanup tears down shared components in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

// initShared wires the component graph from config: workspace, observability,
// state store, sandbox provider, health monitor, resolver, and bridge.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	ws, err := openWorkspace(cfg)
	if err != nil {
		return nil, err
	}
	sc.Workspace = ws

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	if obs != nil {
		sc.addCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(ctx)
		})
	}

	store, err := openStore(cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing state store", slog.String("error", err.Error()))
		}
	})

	sc.Provider = docker.New(docker.Config{
		PreviewPort: cfg.DevServer.Port,
		MemoryMB:    cfg.Provider.MemoryMB,
		CPUCores:    cfg.Provider.CPUCores,
		PIDsLimit:   cfg.Provider.PIDsLimit,
	}, logger)

	sc.Monitor = health.NewMonitor(cfg.DevServer.ProbeTimeoutOrDefault(), logger)

	var metrics *observability.MetricsCollector
	if obs != nil {
		metrics = obs.Metrics
	}

	sc.Resolver = resolver.New(store, sc.Provider, sc.Monitor, resolver.Config{
		Snapshot:      cfg.Provider.Snapshot,
		Env:           cfg.Provider.SandboxEnv(),
		PublicPreview: cfg.Provider.Public,
		DevServer: resolver.DevServerConfig{
			Name:         cfg.DevServer.Name,
			StartCommand: cfg.DevServer.StartCommand,
			Port:         cfg.DevServer.Port,
		},
	}, logger, metrics)

	sc.Bridge = bridge.New(store, sc.Provider, bridge.Config{
		Command:       cfg.Bridge.Command,
		ContinueFlag:  cfg.Bridge.ContinueFlag,
		StreamTimeout: cfg.Bridge.StreamTimeoutOrDefault(),
	}, logger, metrics)

	sc.Limiter = ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.HTTP.RequestsPerMinute,
		BurstSize:         cfg.Gateway.HTTP.BurstSize,
	})

	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("store", func(ctx context.Context) error {
			_, err := store.Get(ctx, cfg.TenantKey)
			return err
		})
		obs.Health.AddCheck("provider", sc.Provider.Ping)
	}

	logger.Info("shared components initialized",
		slog.String("workspace", ws.Root),
		slog.String("storage", store.Driver()),
		slog.String("snapshot", cfg.Provider.Snapshot),
	)
	return sc, nil
}

func openWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	var (
		ws  *workspace.Workspace
		err error
	)
	if cfg.Workspace != "" {
		ws, err = workspace.New(cfg.Workspace)
	} else {
		ws, err = workspace.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}
	return ws, nil
}

func openStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (state.Store, error) {
	switch cfg.Storage.StorageDriver() {
	case state.DriverMemory:
		return memory.New(), nil
	case state.DriverPostgres:
		return gormstore.Open(gormstore.Config{
			Driver: state.DriverPostgres,
			DSN:    cfg.Storage.Postgres.DSN,
		}, logger)
	default:
		path := ws.DatabasePath()
		journalMode := ""
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				path = cfg.Storage.SQLite.Path
			}
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return gormstore.Open(gormstore.Config{
			Driver:      state.DriverSQLite,
			Path:        path,
			JournalMode: journalMode,
		}, logger)
	}
}
