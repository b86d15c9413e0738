package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
provider:
  snapshot: "sandbridge/env:latest"
gateway:
  http:
    api_keys:
      secret-key: admin
`

func TestLoad_MinimalConfigGetsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.TenantKey != "default" {
		t.Errorf("TenantKey = %q, want default", cfg.TenantKey)
	}
	if cfg.DevServer.Name != "dev-server" || cfg.DevServer.StartCommand != "npm run dev" {
		t.Errorf("dev server defaults = %+v", cfg.DevServer)
	}
	if cfg.DevServer.Port != 3000 {
		t.Errorf("DevServer.Port = %d, want 3000", cfg.DevServer.Port)
	}
	if cfg.Gateway.HTTP.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Gateway.HTTP.ListenAddr)
	}
	if cfg.Storage.StorageDriver() != "sqlite" {
		t.Errorf("StorageDriver = %q, want sqlite", cfg.Storage.StorageDriver())
	}
}

func TestLoad_MissingFileIsNotFatal(t *testing.T) {
	t.Setenv("SANDBRIDGE_SNAPSHOT", "sandbridge/env:latest")
	t.Setenv("SANDBRIDGE_API_KEY", "from-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Snapshot != "sandbridge/env:latest" {
		t.Errorf("Snapshot = %q", cfg.Provider.Snapshot)
	}
	if cfg.Gateway.HTTP.APIKeys["from-env"] != "api" {
		t.Errorf("APIKeys = %v, want env key mapped to user api", cfg.Gateway.HTTP.APIKeys)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "provider: [")); err == nil {
		t.Fatal("Load accepted malformed yaml")
	}
}

func TestLoad_MissingSnapshotFailsWithHint(t *testing.T) {
	path := writeConfig(t, `
gateway:
  http:
    api_keys:
      k: u
`)
	_, err := Load(path)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if verr.Field != "provider.snapshot" || verr.Hint == "" {
		t.Errorf("validation error = %+v", verr)
	}
}

func TestLoad_MissingAPIKeysFails(t *testing.T) {
	path := writeConfig(t, `
provider:
  snapshot: "img"
`)
	_, err := Load(path)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if verr.Field != "gateway.http.api_keys" {
		t.Errorf("Field = %q", verr.Field)
	}
}

func TestLoad_UnsetPassEnvFails(t *testing.T) {
	path := writeConfig(t, `
provider:
  snapshot: "img"
  pass_env:
    - SANDBRIDGE_TEST_UNSET_SECRET
gateway:
  http:
    api_keys:
      k: u
`)
	os.Unsetenv("SANDBRIDGE_TEST_UNSET_SECRET")

	var verr *ValidationError
	if _, err := Load(path); !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	} else if verr.Field != "provider.pass_env" {
		t.Errorf("Field = %q", verr.Field)
	}
}

func TestLoad_PostgresWithoutDSNFails(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
storage:
  driver: postgres
`)
	var verr *ValidationError
	if _, err := Load(path); !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	} else if verr.Field != "storage.postgres.dsn" {
		t.Errorf("Field = %q", verr.Field)
	}
}

func TestLoad_DSNFromEnvironment(t *testing.T) {
	t.Setenv("SANDBRIDGE_DB_DSN", "postgres://sandbridge@localhost/sandbridge")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.StorageDriver() != "postgres" {
		t.Errorf("StorageDriver = %q, want postgres", cfg.Storage.StorageDriver())
	}
	if cfg.Storage.Postgres.DSN != "postgres://sandbridge@localhost/sandbridge" {
		t.Errorf("DSN = %q", cfg.Storage.Postgres.DSN)
	}
}

func TestDurationDefaults(t *testing.T) {
	var d DevServerConfig
	if got := d.ProbeTimeoutOrDefault(); got != 3*time.Second {
		t.Errorf("ProbeTimeoutOrDefault = %s, want 3s", got)
	}
	d.ProbeTimeout = 10
	if got := d.ProbeTimeoutOrDefault(); got != 10*time.Second {
		t.Errorf("ProbeTimeoutOrDefault = %s, want 10s", got)
	}

	var b BridgeConfig
	if got := b.StreamTimeoutOrDefault(); got != 120*time.Second {
		t.Errorf("StreamTimeoutOrDefault = %s, want 120s", got)
	}
	b.StreamTimeout = 30
	if got := b.StreamTimeoutOrDefault(); got != 30*time.Second {
		t.Errorf("StreamTimeoutOrDefault = %s, want 30s", got)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "provider.snapshot", Hint: "set it"}
	want := "invalid configuration: provider.snapshot (set it)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
