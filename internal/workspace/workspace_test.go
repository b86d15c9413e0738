package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ws")
	w, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := os.Stat(w.Root)
	if err != nil {
		t.Fatalf("stat root: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("workspace root is not a directory")
	}
}

func TestEnsureAll_CreatesStandardDirs(t *testing.T) {
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.EnsureAll(); err != nil {
		t.Fatalf("EnsureAll: %v", err)
	}
	for _, dir := range []string{"data", "logs", "tenants"} {
		if _, err := os.Stat(filepath.Join(w.Root, dir)); err != nil {
			t.Errorf("expected %s directory: %v", dir, err)
		}
	}
}

func TestDatabasePath(t *testing.T) {
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := w.DatabasePath()
	if filepath.Base(p) != "sandbridge.db" {
		t.Errorf("database path = %q, want sandbridge.db under data/", p)
	}
	if filepath.Dir(p) != filepath.Join(w.Root, "data") {
		t.Errorf("database dir = %q, want %q", filepath.Dir(p), filepath.Join(w.Root, "data"))
	}
}

func TestTenantDir_SanitizesName(t *testing.T) {
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := w.TenantDir("../evil/peer")
	if strings.Contains(p, "..") {
		t.Errorf("tenant dir %q contains traversal sequence", p)
	}
	if !strings.HasPrefix(p, w.TenantsDir()) {
		t.Errorf("tenant dir %q escaped tenants root %q", p, w.TenantsDir())
	}
}
