// Package config handles loading and validating Sandbridge configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sandbridge.
type Config struct {
	Workspace string `yaml:"workspace,omitempty"` // Runtime directory root. Default: ~/.sandbridge/workspace. Override: SANDBRIDGE_WORKSPACE.

	// TenantKey scopes the sandbox record and the bound sandbox. The
	// default deployment is effectively single-tenant.
	TenantKey string `yaml:"tenant_key,omitempty"` // Default: "default".

	Storage       *StorageConfig       `yaml:"storage,omitempty"` // nil = SQLite derived from workspace.
	Provider      ProviderConfig       `yaml:"provider"`
	DevServer     DevServerConfig      `yaml:"dev_server"`
	Bridge        BridgeConfig         `yaml:"bridge"`
	Gateway       GatewayConfig        `yaml:"gateway"`
	Reconciler    *ReconcilerConfig    `yaml:"reconciler,omitempty"`    // nil = reconciler disabled.
	Observability *ObservabilityConfig `yaml:"observability,omitempty"` // nil = observability disabled.
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `yaml:"driver"` // "sqlite" (default), "postgres", or "memory".
	SQLite   *SQLiteStorageConfig   `yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `yaml:"path,omitempty"` // Default: derived from workspace.
	JournalMode string `yaml:"journal_mode"`   // "wal" (default).
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN string `yaml:"dsn"` // Override: SANDBRIDGE_DB_DSN.
}

// ProviderConfig configures the sandbox backend.
type ProviderConfig struct {
	Snapshot  string            `yaml:"snapshot"` // Prebuilt environment image. Override: SANDBRIDGE_SNAPSHOT.
	Env       map[string]string `yaml:"env,omitempty"`
	PassEnv   []string          `yaml:"pass_env,omitempty"` // Host env vars forwarded into the sandbox (secrets).
	Public    bool              `yaml:"public"`             // Publish the preview port externally.
	MemoryMB  int               `yaml:"memory_mb"`
	CPUCores  float64           `yaml:"cpu_cores"`
	PIDsLimit int               `yaml:"pids_limit"`
}

// SandboxEnv merges static env with forwarded host secrets.
func (p ProviderConfig) SandboxEnv() map[string]string {
	env := make(map[string]string, len(p.Env)+len(p.PassEnv))
	for k, v := range p.Env {
		env[k] = v
	}
	for _, name := range p.PassEnv {
		if v := os.Getenv(name); v != "" {
			env[name] = v
		}
	}
	return env
}

// DevServerConfig describes the auxiliary dev server inside the sandbox.
type DevServerConfig struct {
	Name         string `yaml:"name"`                      // pm2 process name. Default: "dev-server".
	StartCommand string `yaml:"start_command"`             // Default: "npm run dev".
	Port         int    `yaml:"port"`                      // Default: 3000.
	ProbeTimeout int    `yaml:"probe_timeout_s,omitempty"` // Health probe timeout. Default: 3.
}

// ProbeTimeoutOrDefault returns the dev server probe timeout as a duration.
func (d DevServerConfig) ProbeTimeoutOrDefault() time.Duration {
	if d.ProbeTimeout <= 0 {
		return 3 * time.Second
	}
	return time.Duration(d.ProbeTimeout) * time.Second
}

// BridgeConfig configures the streaming execution bridge.
type BridgeConfig struct {
	Command       string `yaml:"command,omitempty"`       // Agent CLI invocation prefix.
	ContinueFlag  string `yaml:"continue_flag,omitempty"` // Default: "--continue".
	StreamTimeout int    `yaml:"stream_timeout_s"`        // Default: 120.
}

// StreamTimeoutOrDefault returns the stream timeout as a duration.
func (b BridgeConfig) StreamTimeoutOrDefault() time.Duration {
	if b.StreamTimeout <= 0 {
		return 120 * time.Second
	}
	return time.Duration(b.StreamTimeout) * time.Second
}

// GatewayConfig configures client-facing transports.
type GatewayConfig struct {
	HTTP HTTPGatewayConfig `yaml:"http"`
	WS   *WSGatewayConfig  `yaml:"ws,omitempty"` // nil = WebSocket transport disabled.
}

// HTTPGatewayConfig configures the HTTP/SSE gateway.
type HTTPGatewayConfig struct {
	ListenAddr        string            `yaml:"listen_addr"`        // Default: ":8080".
	APIKeys           map[string]string `yaml:"api_keys,omitempty"` // API key -> user ID. SANDBRIDGE_API_KEY adds key "api".
	RequestsPerMinute int               `yaml:"requests_per_minute"`
	BurstSize         int               `yaml:"burst_size"`
	EnableDocs        bool              `yaml:"enable_docs"`
}

// WSGatewayConfig configures the WebSocket chat transport.
type WSGatewayConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ReconcilerConfig configures the periodic dev-server reconciliation job.
type ReconcilerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // Cron expression. Default: every 5 minutes.
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
	Tracing *TracingConfig `yaml:"tracing,omitempty"`
}

// MetricsConfig enables the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"` // Default: "/metrics".
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name,omitempty"` // Default: "sandbridge".
	Endpoint    string  `yaml:"endpoint"`
	Protocol    string  `yaml:"protocol,omitempty"` // "grpc" (default) or "http".
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate,omitempty"` // Default: 1.0.
}

// ValidationError is a fatal configuration problem with a remediation hint.
// These are never retried; the hint tells the operator what to fix.
type ValidationError struct {
	Field string
	Hint  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s (%s)", e.Field, e.Hint)
}

// DefaultConfigPath returns the conventional config location under the
// workspace root, falling back to the working directory when the home
// directory cannot be determined.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".sandbridge", "workspace", "config.yaml")
}

// Load reads configuration from path (optional), applies environment
// overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets environment variables override file settings.
func (c *Config) applyEnv() {
	if v := os.Getenv("SANDBRIDGE_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("SANDBRIDGE_SNAPSHOT"); v != "" {
		c.Provider.Snapshot = v
	}
	if v := os.Getenv("SANDBRIDGE_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("SANDBRIDGE_API_KEY"); v != "" {
		if c.Gateway.HTTP.APIKeys == nil {
			c.Gateway.HTTP.APIKeys = make(map[string]string)
		}
		c.Gateway.HTTP.APIKeys[v] = "api"
	}
}

func (c *Config) applyDefaults() {
	if c.TenantKey == "" {
		c.TenantKey = "default"
	}
	if c.DevServer.Name == "" {
		c.DevServer.Name = "dev-server"
	}
	if c.DevServer.StartCommand == "" {
		c.DevServer.StartCommand = "npm run dev"
	}
	if c.DevServer.Port == 0 {
		c.DevServer.Port = 3000
	}
	if c.Gateway.HTTP.ListenAddr == "" {
		c.Gateway.HTTP.ListenAddr = ":8080"
	}
	if c.Reconciler != nil && c.Reconciler.Schedule == "" {
		c.Reconciler.Schedule = "@every 5m"
	}
}

// Validate checks for fatal misconfiguration. Every error carries an
// actionable remediation hint.
func (c *Config) Validate() error {
	if c.Provider.Snapshot == "" {
		return &ValidationError{
			Field: "provider.snapshot",
			Hint:  "build the sandbox snapshot image and set provider.snapshot or the SANDBRIDGE_SNAPSHOT environment variable",
		}
	}
	if len(c.Gateway.HTTP.APIKeys) == 0 {
		return &ValidationError{
			Field: "gateway.http.api_keys",
			Hint:  "set at least one API key in gateway.http.api_keys or via the SANDBRIDGE_API_KEY environment variable",
		}
	}
	for _, name := range c.Provider.PassEnv {
		if os.Getenv(name) == "" {
			return &ValidationError{
				Field: "provider.pass_env",
				Hint:  fmt.Sprintf("environment variable %s is listed in provider.pass_env but is not set; export it before starting", name),
			}
		}
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return &ValidationError{
				Field: "storage.postgres.dsn",
				Hint:  "set storage.postgres.dsn or the SANDBRIDGE_DB_DSN environment variable when using the postgres driver",
			}
		}
	}
	return nil
}
