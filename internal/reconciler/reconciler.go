// Package reconciler runs a periodic job that keeps the bound sandbox's
// dev server healthy between requests. It never creates or restarts
// sandboxes; resolution only happens on the request path.
package reconciler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/sandbridge/internal/health"
	"github.com/jkaninda/sandbridge/internal/provider"
	"github.com/jkaninda/sandbridge/internal/resolver"
	"github.com/jkaninda/sandbridge/internal/state"
)

const defaultSchedule = "@every 5m"

// Reconciler periodically checks the bound sandbox and revives its dev
// server when the health probe fails.
type Reconciler struct {
	store       state.Store
	provider    provider.Provider
	resolver    *resolver.Resolver
	monitor     *health.Monitor
	tenantKey   string
	schedule    string
	previewPort int
	logger      *slog.Logger

	cron  *cron.Cron
	entry cron.EntryID
}

// New creates a Reconciler. An empty schedule defaults to every 5 minutes.
// previewPort is the in-sandbox dev server port used to re-resolve the
// preview address after a revive.
func New(store state.Store, prov provider.Provider, res *resolver.Resolver, monitor *health.Monitor, tenantKey, schedule string, previewPort int, logger *slog.Logger) *Reconciler {
	if tenantKey == "" {
		tenantKey = "default"
	}
	if schedule == "" {
		schedule = defaultSchedule
	}
	return &Reconciler{
		store:       store,
		provider:    prov,
		resolver:    res,
		monitor:     monitor,
		tenantKey:   tenantKey,
		schedule:    schedule,
		previewPort: previewPort,
		logger:      logger,
		cron:        cron.New(),
	}
}

// Start schedules the reconciliation job and begins the cron loop.
func (r *Reconciler) Start(ctx context.Context) error {
	id, err := r.cron.AddFunc(r.schedule, func() { r.tick(ctx) })
	if err != nil {
		return err
	}
	r.entry = id
	r.cron.Start()
	r.logger.Info("reconciler started", slog.String("schedule", r.schedule))
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish.
func (r *Reconciler) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.logger.Info("reconciler stopped")
}

// tick checks the bound sandbox once. All failures are logged, never
// propagated; the next tick or the next request retries.
func (r *Reconciler) tick(ctx context.Context) {
	record, err := r.store.Get(ctx, r.tenantKey)
	if err != nil {
		r.logger.Error("reconciler state read failed", slog.String("error", err.Error()))
		return
	}
	if !record.Bound || record.SandboxID == "" {
		return
	}

	handle, err := r.provider.Lookup(ctx, record.SandboxID)
	if err != nil {
		// Missing or unreachable sandbox is the request path's problem.
		r.logger.Debug("reconciler lookup failed",
			slog.String("sandbox_id", record.SandboxID),
			slog.String("error", err.Error()),
		)
		return
	}
	if provider.ParseStatus(string(handle.Status)) != provider.StatusRunning {
		return
	}

	if record.PreviewURL != "" && r.monitor.Probe(ctx, record.PreviewURL) {
		return
	}

	r.logger.Info("reconciler reviving dev server", slog.String("sandbox_id", handle.ID))
	r.resolver.EnsureDevServer(ctx, handle)
	r.refreshPreview(ctx, handle)
}

// refreshPreview re-reads the preview address after a revive, since a
// restarted sandbox can come back on a different host port.
func (r *Reconciler) refreshPreview(ctx context.Context, handle *provider.Handle) {
	url, err := r.provider.PreviewURL(ctx, handle, r.previewPort)
	if err != nil {
		r.logger.Debug("reconciler preview refresh failed", slog.String("error", err.Error()))
		return
	}
	if err := r.store.SetPreviewURL(ctx, r.tenantKey, url); err != nil {
		r.logger.Error("reconciler preview persist failed", slog.String("error", err.Error()))
	}
}
