package docker

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/sandbridge/internal/provider"
)

// testImage must have a long-running entrypoint; alpine sleeping stands in
// for the real snapshot.
const testImage = "alpine:latest"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	skipIfNoDocker(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{PreviewPort: 3000, MemoryMB: 128, CPUCores: 0.5, PIDsLimit: 64}, logger)
}

// createTestSandbox runs a container that stays alive and registers cleanup.
func createTestSandbox(t *testing.T, p *Provider) *provider.Handle {
	t.Helper()
	ctx := context.Background()

	out, err := exec.Command("docker", "run", "-d", "--label", "sandbridge.managed=true",
		testImage, "sleep", "300").Output()
	if err != nil {
		t.Skipf("cannot start %s: %v", testImage, err)
	}
	id := strings.TrimSpace(string(out))
	t.Cleanup(func() {
		_ = exec.Command("docker", "rm", "-f", id).Run()
	})

	handle, err := p.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	return handle
}

func TestPing(t *testing.T) {
	p := newTestProvider(t)
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestLookup_NotFound(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.Lookup(context.Background(), "sandbridge-does-not-exist")
	if err != provider.ErrNotFound {
		t.Errorf("Lookup error = %v, want ErrNotFound", err)
	}
}

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	p := newTestProvider(t)
	h := createTestSandbox(t, p)
	ctx := context.Background()

	res, err := p.Run(ctx, h, "echo hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Output, "hello") {
		t.Errorf("result = %+v", res)
	}

	res, err = p.Run(ctx, h, "exit 3")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestStatusTransitions(t *testing.T) {
	p := newTestProvider(t)
	h := createTestSandbox(t, p)
	ctx := context.Background()

	status, err := p.Status(ctx, h)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != provider.StatusRunning {
		t.Fatalf("status = %q, want running", status)
	}

	if err := exec.Command("docker", "pause", h.ID).Run(); err != nil {
		t.Fatalf("docker pause: %v", err)
	}
	status, err = p.Status(ctx, h)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != provider.StatusArchived {
		t.Errorf("paused status = %q, want archived", status)
	}

	if err := p.Start(ctx, h); err != nil {
		t.Fatalf("Start from archived: %v", err)
	}
	if h.Status != provider.StatusRunning {
		t.Errorf("status after Start = %q, want running", h.Status)
	}

	if err := exec.Command("docker", "stop", "-t", "0", h.ID).Run(); err != nil {
		t.Fatalf("docker stop: %v", err)
	}
	status, err = p.Status(ctx, h)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != provider.StatusStopped {
		t.Errorf("stopped status = %q, want stopped", status)
	}
}

func TestAsyncCommandStreaming(t *testing.T) {
	p := newTestProvider(t)
	h := createTestSandbox(t, p)
	ctx := context.Background()

	sessionID, err := p.CreateSession(ctx, h)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	cmdID, err := p.RunAsync(ctx, h, sessionID, "for i in 1 2 3; do echo line-$i; done")
	if err != nil {
		t.Fatalf("RunAsync: %v", err)
	}

	var mu sync.Mutex
	var output []byte
	streamCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := p.StreamLogs(streamCtx, h, sessionID, cmdID, func(chunk []byte) {
		mu.Lock()
		output = append(output, chunk...)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}

	got := string(output)
	for _, want := range []string{"line-1", "line-2", "line-3"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q: %q", want, got)
		}
	}
}
