// Package httpapi implements the HTTP API gateway for Sandbridge.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-tenant rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sandbridge/internal/bridge"
	"github.com/jkaninda/sandbridge/internal/config"
	"github.com/jkaninda/sandbridge/internal/observability"
	"github.com/jkaninda/sandbridge/internal/ratelimit"
	"github.com/jkaninda/sandbridge/internal/resolver"
	"github.com/jkaninda/sandbridge/internal/state"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
// Category groups failures for clients: "config" errors need operator
// action, "sandbox_lost" is retryable.
type ErrorBody struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> user ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// TenantKey scopes every request to one sandbox record.
	TenantKey string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	resolver *resolver.Resolver
	bridge   *bridge.Bridge
	store    state.Store
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket chat endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, res *resolver.Resolver, br *bridge.Bridge, store state.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.TenantKey == "" {
		cfg.TenantKey = "default"
	}
	return &Gateway{
		config:   cfg,
		resolver: res,
		bridge:   br,
		store:    store,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs enables the generated OpenAPI documentation UI.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sandbridge",
			Version: "v0.0.1",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Useful for adding the WebSocket chat endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/sandbox", g.handleSandboxEnsure,
		okapi.DocSummary("Ensure a ready sandbox for the tenant"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
	)
	g.group.Get("/sandbox", g.handleSandboxGet,
		okapi.DocSummary("Get the tenant's sandbox record"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(RecordResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/sandbox/reset", g.handleSandboxReset,
		okapi.DocSummary("Clear the tenant's conversation history"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/chat/stream", g.handleChatStream,
		okapi.DocSummary("Run one conversation turn and stream events via SSE"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(ChatRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)

	// Extra handlers (e.g., WebSocket chat endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // SSE streams stay open for a whole turn.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// SandboxResponse is the JSON response for POST /v1/sandbox.
type SandboxResponse struct {
	SandboxID  string `json:"sandbox_id"`
	PreviewURL string `json:"preview_url,omitempty"`
}

func (g *Gateway) handleSandboxEnsure(c *okapi.Context) error {
	userID := c.GetString("userID")
	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	correlationID := newCorrelationID()
	g.logger.Info("http sandbox ensure",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
	)

	handle, err := g.resolver.Resolve(c.Context(), g.config.TenantKey)
	if err != nil {
		return g.resolveError(c, correlationID, err)
	}

	record, err := g.store.Get(c.Context(), g.config.TenantKey)
	if err != nil {
		return c.AbortInternalServerError("loading sandbox record failed")
	}

	return c.OK(SandboxResponse{
		SandboxID:  handle.ID,
		PreviewURL: record.PreviewURL,
	})
}

// RecordResponse is the JSON view of the persisted sandbox record.
type RecordResponse struct {
	SandboxID      string          `json:"sandbox_id,omitempty"`
	Bound          bool            `json:"bound"`
	PreviewURL     string          `json:"preview_url,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	Conversation   []state.Message `json:"conversation"`
}

func (g *Gateway) handleSandboxGet(c *okapi.Context) error {
	record, err := g.store.Get(c.Context(), g.config.TenantKey)
	if err != nil {
		return c.AbortInternalServerError("loading sandbox record failed")
	}
	return c.OK(RecordResponse{
		SandboxID:      record.SandboxID,
		Bound:          record.Bound,
		PreviewURL:     record.PreviewURL,
		CreatedAt:      record.CreatedAt,
		LastAccessedAt: record.LastAccessedAt,
		Conversation:   record.Conversation,
	})
}

func (g *Gateway) handleSandboxReset(c *okapi.Context) error {
	userID := c.GetString("userID")
	g.logger.Info("http conversation reset", slog.String("user_id", userID))

	if err := g.store.ClearConversation(c.Context(), g.config.TenantKey); err != nil {
		return c.AbortInternalServerError("clearing conversation failed")
	}
	return c.OK(map[string]string{"status": "cleared"})
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID in the
// request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, mapped := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = mapped
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// --- Helpers ---

// resolveError maps resolution failures to HTTP responses. Configuration
// problems carry their remediation hint so the operator sees the fix in the
// response instead of digging through logs.
func (g *Gateway) resolveError(c *okapi.Context, correlationID string, err error) error {
	var vErr *config.ValidationError
	if errors.As(err, &vErr) {
		g.logger.Error("sandbox resolution failed on configuration",
			slog.String("correlation_id", correlationID),
			slog.String("field", vErr.Field),
			slog.String("hint", vErr.Hint),
		)
		return c.JSON(http.StatusInternalServerError, ErrorBody{
			Error:    vErr.Error(),
			Category: "config",
		})
	}

	g.logger.Error("sandbox resolution failed",
		slog.String("correlation_id", correlationID),
		slog.String("error", err.Error()),
	)
	return c.AbortInternalServerError("sandbox resolution failed")
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
