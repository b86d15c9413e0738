// Package resolver turns the persisted sandbox record into a live,
// ready-to-use handle. It decides per request whether to reuse, restart,
// or recreate the tenant's sandbox, and keeps the dev server inside it
// running.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/sandbridge/internal/health"
	"github.com/jkaninda/sandbridge/internal/observability"
	"github.com/jkaninda/sandbridge/internal/provider"
	"github.com/jkaninda/sandbridge/internal/state"
)

// DevServerConfig describes the auxiliary dev server process managed by
// pm2 inside the sandbox.
type DevServerConfig struct {
	Name         string // pm2 process name.
	StartCommand string // Launch specification for a fresh start.
	Port         int    // Preview port the dev server listens on.
}

// Config configures sandbox creation and remediation.
type Config struct {
	Snapshot      string            // Prebuilt environment image reference.
	Env           map[string]string // Tenant-scoped secrets injected at creation.
	PublicPreview bool              // Expose the preview port externally.
	DevServer     DevServerConfig
}

// Resolver resolves tenant sandbox records into live handles.
type Resolver struct {
	store    state.Store
	provider provider.Provider
	health   *health.Monitor
	config   Config
	logger   *slog.Logger
	metrics  *observability.MetricsCollector // nil = metrics disabled

	// create collapses concurrent first-requests for the same tenant into
	// a single provider.Create call.
	create singleflight.Group
}

// New creates a Resolver. metrics may be nil.
func New(store state.Store, prov provider.Provider, monitor *health.Monitor, cfg Config, logger *slog.Logger, metrics *observability.MetricsCollector) *Resolver {
	return &Resolver{
		store:    store,
		provider: prov,
		health:   monitor,
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Resolve produces a live handle for the tenant, performing at most one
// sandbox creation per call. Recoverable conditions (stale id, unhealthy
// dev server, stopped sandbox) are remediated here and never surface as
// errors; only creation/start failures propagate.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*provider.Handle, error) {
	if r.metrics != nil {
		defer func(start time.Time) {
			r.metrics.ResolveDuration.Observe(time.Since(start).Seconds())
		}(time.Now())
	}

	record, err := r.store.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("reading sandbox record: %w", err)
	}

	if record.SandboxID != "" {
		handle, err := r.provider.Lookup(ctx, record.SandboxID)
		if err != nil {
			// Stale identity or transport error: recoverable, recreate.
			r.logger.Warn("sandbox lookup failed, creating a new one",
				slog.String("tenant", tenantID),
				slog.String("sandbox_id", record.SandboxID),
				slog.String("error", err.Error()),
			)
			r.observe("lookup_failed")
		} else {
			resolved, err := r.resolveExisting(ctx, tenantID, record, handle)
			if err != nil {
				return nil, err
			}
			if resolved != nil {
				return resolved, nil
			}
			// Unrecognized status: fall through to recreate.
		}
	}

	return r.createNew(ctx, tenantID)
}

// resolveExisting handles a found sandbox. Returns (nil, nil) when the
// reported status is unrecognized and the sandbox must be recreated.
func (r *Resolver) resolveExisting(ctx context.Context, tenantID string, record *state.Sandbox, handle *provider.Handle) (*provider.Handle, error) {
	status := provider.ParseStatus(string(handle.Status))
	switch status {
	case provider.StatusRunning:
		if r.health.Probe(ctx, record.PreviewURL) {
			r.observe("reused")
			return handle, nil
		}
		r.logger.Info("sandbox running but dev server unreachable, reconciling",
			slog.String("tenant", tenantID),
			slog.String("sandbox_id", handle.ID),
		)
		r.EnsureDevServer(ctx, handle)
		r.observe("remediated")
		return handle, nil

	case provider.StatusStopped, provider.StatusArchived:
		if status == provider.StatusArchived {
			r.logger.Info("sandbox archived, start may take a while",
				slog.String("tenant", tenantID),
				slog.String("sandbox_id", handle.ID),
			)
		}
		if err := r.provider.Start(ctx, handle); err != nil {
			return nil, fmt.Errorf("starting sandbox %s: %w", handle.ID, err)
		}
		r.EnsureDevServer(ctx, handle)
		r.refreshPreview(ctx, tenantID, handle)
		r.observe("restarted")
		return handle, nil

	default:
		r.logger.Warn("sandbox reported unrecognized status, recreating",
			slog.String("tenant", tenantID),
			slog.String("sandbox_id", handle.ID),
			slog.String("status", string(handle.Status)),
		)
		r.observe("unrecognized_status")
		return nil, nil
	}
}

// createNew provisions a fresh sandbox and binds it to the tenant record.
// Concurrent callers for the same tenant share one creation.
func (r *Resolver) createNew(ctx context.Context, tenantID string) (*provider.Handle, error) {
	v, err, shared := r.create.Do(tenantID, func() (any, error) {
		handle, err := r.provider.Create(ctx, provider.CreateRequest{
			Snapshot: r.config.Snapshot,
			Env:      r.config.Env,
			Public:   r.config.PublicPreview,
		})
		if err != nil {
			return nil, fmt.Errorf("creating sandbox: %w", err)
		}
		if err := r.store.Bind(ctx, tenantID, handle.ID); err != nil {
			return nil, fmt.Errorf("binding sandbox %s: %w", handle.ID, err)
		}
		// The snapshot image bakes in the dev server; no explicit start
		// step is needed, but the preview address must be recorded.
		r.refreshPreview(ctx, tenantID, handle)
		return handle, nil
	})
	if err != nil {
		r.observe("create_failed")
		return nil, err
	}
	if shared {
		r.logger.Debug("sandbox creation shared with concurrent request",
			slog.String("tenant", tenantID),
		)
	}
	r.observe("created")

	handle := v.(*provider.Handle)
	r.logger.Info("sandbox created",
		slog.String("tenant", tenantID),
		slog.String("sandbox_id", handle.ID),
	)
	return handle, nil
}

// EnsureDevServer reconciles the named pm2 process inside the sandbox:
// online is a no-op, present-but-down gets a restart, absent gets a fresh
// start from the launch specification followed by a pm2 save. Transient
// failures are logged and treated as "absent" — this never fails the
// caller, so it is safe to run repeatedly.
func (r *Resolver) EnsureDevServer(ctx context.Context, handle *provider.Handle) {
	ds := r.config.DevServer
	if ds.Name == "" {
		return
	}

	switch r.devServerState(ctx, handle, ds.Name) {
	case processOnline:
		return
	case processDown:
		r.logger.Info("dev server present but not online, restarting",
			slog.String("sandbox_id", handle.ID),
			slog.String("process", ds.Name),
		)
		r.runLogged(ctx, handle, fmt.Sprintf("pm2 restart %s", ds.Name))
	case processAbsent:
		r.logger.Info("dev server absent, starting fresh",
			slog.String("sandbox_id", handle.ID),
			slog.String("process", ds.Name),
		)
		r.runLogged(ctx, handle, fmt.Sprintf("pm2 start %q --name %s", ds.StartCommand, ds.Name))
	}
	r.runLogged(ctx, handle, "pm2 save")
}

type processState int

const (
	processAbsent processState = iota
	processDown
	processOnline
)

// devServerState checks pm2 for the named process. pm2 describe exits
// non-zero when the process is unknown; for a registered process it prints
// the process table, whose status field reads "online" only when the
// process is up. Any check failure is treated as absent.
func (r *Resolver) devServerState(ctx context.Context, handle *provider.Handle, name string) processState {
	res, err := r.provider.Run(ctx, handle, fmt.Sprintf("pm2 describe %s", name))
	if err != nil {
		r.logger.Warn("dev server check failed, treating as absent",
			slog.String("sandbox_id", handle.ID),
			slog.String("error", err.Error()),
		)
		return processAbsent
	}
	if res.ExitCode != 0 {
		return processAbsent
	}
	if strings.Contains(res.Output, "online") {
		return processOnline
	}
	return processDown
}

// refreshPreview fetches the current preview address and persists it.
// Failures are logged, not fatal: the next resolve retries.
func (r *Resolver) refreshPreview(ctx context.Context, tenantID string, handle *provider.Handle) {
	url, err := r.provider.PreviewURL(ctx, handle, r.config.DevServer.Port)
	if err != nil {
		r.logger.Warn("fetching preview address failed",
			slog.String("sandbox_id", handle.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := r.store.SetPreviewURL(ctx, tenantID, url); err != nil {
		r.logger.Warn("persisting preview address failed",
			slog.String("tenant", tenantID),
			slog.String("error", err.Error()),
		)
	}
}

// runLogged executes a remediation command, logging failures instead of
// propagating them.
func (r *Resolver) runLogged(ctx context.Context, handle *provider.Handle, command string) {
	res, err := r.provider.Run(ctx, handle, command)
	if err != nil {
		r.logger.Warn("remediation command failed",
			slog.String("sandbox_id", handle.ID),
			slog.String("command", command),
			slog.String("error", err.Error()),
		)
		return
	}
	if res.ExitCode != 0 {
		r.logger.Warn("remediation command exited non-zero",
			slog.String("sandbox_id", handle.ID),
			slog.String("command", command),
			slog.Int("exit_code", res.ExitCode),
		)
	}
}

func (r *Resolver) observe(outcome string) {
	if r.metrics != nil {
		r.metrics.ResolveTotal.WithLabelValues(outcome).Inc()
	}
}
