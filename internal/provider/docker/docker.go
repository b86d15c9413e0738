// Package docker implements provider.Provider on top of the Docker CLI.
// Sandboxes are long-lived containers created from a prebuilt snapshot
// image whose entrypoint launches the process manager and dev server.
package docker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/sandbridge/internal/provider"
)

const (
	defaultMemoryMB  = 2048
	defaultCPUCores  = 2.0
	defaultPIDsLimit = 512

	// cliTimeout bounds short docker CLI invocations (inspect, start, port).
	cliTimeout = 30 * time.Second

	// startTimeout is longer: unpausing an archived container can involve
	// restoring significant state.
	startTimeout = 2 * time.Minute

	// runTimeout bounds synchronous setup commands inside the sandbox.
	runTimeout = 60 * time.Second

	// maxRunOutputBytes caps synchronous command output.
	maxRunOutputBytes = 1 << 20 // 1 MB

	// streamReadSize is the chunk size handed to StreamLogs callbacks.
	streamReadSize = 4096

	// sessionRoot is where async command sessions live inside the container.
	sessionRoot = "/tmp/.sandbridge"
)

// Config configures the Docker provider.
type Config struct {
	PreviewPort int     // Container port published for the dev server preview.
	MemoryMB    int     // --memory hard limit.
	CPUCores    float64 // --cpus rate limit.
	PIDsLimit   int     // --pids-limit.
}

// Provider runs sandboxes as Docker containers via the docker CLI.
//
// Containers are created with --restart=no: lifecycle decisions belong to
// the resolver, not the Docker daemon. Status mapping:
//   - running        -> running
//   - paused         -> archived
//   - exited/created -> stopped
type Provider struct {
	config Config
	logger *slog.Logger
}

// New creates a Docker-backed provider.
func New(cfg Config, logger *slog.Logger) *Provider {
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	return &Provider{config: cfg, logger: logger}
}

var _ provider.Provider = (*Provider)(nil)

// Ping verifies the docker daemon answers.
func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.docker(ctx, cliTimeout, "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Lookup inspects the container by id.
func (p *Provider) Lookup(ctx context.Context, id string) (*provider.Handle, error) {
	status, err := p.inspectStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Handle{ID: id, Status: status}, nil
}

// Create provisions a new sandbox container from the snapshot image.
func (p *Provider) Create(ctx context.Context, req provider.CreateRequest) (*provider.Handle, error) {
	if req.Snapshot == "" {
		return nil, fmt.Errorf("snapshot image is required")
	}

	name, err := generateName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", "sandbridge.managed=true",
		"--restart=no",
		"--security-opt=no-new-privileges",
		"--memory=" + strconv.Itoa(p.config.MemoryMB) + "m",
		"--cpus=" + strconv.FormatFloat(p.config.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(p.config.PIDsLimit),
	}
	if req.Public && p.config.PreviewPort > 0 {
		// Random host port; resolved later via PreviewURL.
		args = append(args, "-p", "0:"+strconv.Itoa(p.config.PreviewPort))
	}
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, req.Snapshot)

	p.logger.Info("creating sandbox container",
		slog.String("name", name),
		slog.String("snapshot", req.Snapshot),
		slog.Int("memory_mb", p.config.MemoryMB),
	)

	out, err := p.docker(ctx, cliTimeout, args...)
	if err != nil {
		return nil, fmt.Errorf("docker run failed: %w", err)
	}

	// docker run -d prints the full container id.
	id := strings.TrimSpace(out)
	if id == "" {
		id = name
	}
	return &provider.Handle{ID: id, Status: provider.StatusRunning}, nil
}

// Start brings a stopped or archived container back to running.
// Paused ("archived") containers are unpaused; exited ones are started.
func (p *Provider) Start(ctx context.Context, h *provider.Handle) error {
	status, err := p.inspectStatus(ctx, h.ID)
	if err != nil {
		return err
	}

	var sub string
	switch status {
	case provider.StatusRunning:
		h.Status = provider.StatusRunning
		return nil
	case provider.StatusArchived:
		sub = "unpause"
	default:
		sub = "start"
	}

	p.logger.Info("starting sandbox container",
		slog.String("container", h.ID),
		slog.String("via", sub),
	)
	if _, err := p.docker(ctx, startTimeout, sub, h.ID); err != nil {
		return fmt.Errorf("docker %s failed: %w", sub, err)
	}
	h.Status = provider.StatusRunning
	return nil
}

// Status reports the normalized lifecycle state.
func (p *Provider) Status(ctx context.Context, h *provider.Handle) (provider.Status, error) {
	status, err := p.inspectStatus(ctx, h.ID)
	if err != nil {
		return "", err
	}
	h.Status = status
	return status, nil
}

// PreviewURL resolves the published host address of a container port.
func (p *Provider) PreviewURL(ctx context.Context, h *provider.Handle, port int) (string, error) {
	out, err := p.docker(ctx, cliTimeout, "port", h.ID, strconv.Itoa(port)+"/tcp")
	if err != nil {
		if isNotFound(err) {
			return "", provider.ErrNotFound
		}
		return "", fmt.Errorf("docker port failed: %w", err)
	}

	// First mapping wins; docker may print one line per address family.
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return "", fmt.Errorf("port %d is not published on container %s", port, h.ID)
	}

	// "0.0.0.0:49154" -> reachable loopback address.
	hostPort := line[strings.LastIndexByte(line, ':')+1:]
	return "http://127.0.0.1:" + hostPort, nil
}

// Run executes a short command synchronously inside the sandbox.
// A non-zero exit code is a result, not an error.
func (p *Provider) Run(ctx context.Context, h *provider.Handle, command string) (*provider.RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "exec", h.ID, "sh", "-c", command)

	var buf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &buf, remaining: maxRunOutputBytes}
	cmd.Stderr = &limitedWriter{w: &buf, remaining: maxRunOutputBytes}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command timed out after %s", runTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("docker exec failed: %w", runErr)
		}
	}

	return &provider.RunResult{
		ExitCode: exitCode,
		Output:   buf.String(),
		Duration: duration,
	}, nil
}

// CreateSession allocates a session directory inside the container.
func (p *Provider) CreateSession(ctx context.Context, h *provider.Handle) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	if _, err := p.docker(ctx, cliTimeout, "exec", h.ID, "mkdir", "-p", sessionRoot+"/"+id); err != nil {
		return "", fmt.Errorf("creating session directory: %w", err)
	}
	return id, nil
}

// RunAsync starts a command detached, redirecting output to the session log.
// The command id names the log and sentinel files within the session.
func (p *Provider) RunAsync(ctx context.Context, h *provider.Handle, sessionID, command string) (string, error) {
	cmdID, err := generateID()
	if err != nil {
		return "", fmt.Errorf("generating command id: %w", err)
	}

	dir := sessionRoot + "/" + sessionID
	// The exit sentinel is written only after the command completes, so
	// StreamLogs can tell "finished" apart from "quiet".
	wrapped := fmt.Sprintf("{ %s ; } > %s/%s.log 2>&1; echo $? > %s/%s.exit",
		command, dir, cmdID, dir, cmdID)

	if _, err := p.docker(ctx, cliTimeout, "exec", "-d", h.ID, "sh", "-c", wrapped); err != nil {
		return "", fmt.Errorf("starting async command: %w", err)
	}

	p.logger.Debug("async command started",
		slog.String("container", h.ID),
		slog.String("session", sessionID),
		slog.String("command_id", cmdID),
	)
	return cmdID, nil
}

// StreamLogs tails the session log until the exit sentinel appears, handing
// raw byte chunks to onChunk as they arrive. Returns when the command
// finishes or ctx is cancelled.
func (p *Provider) StreamLogs(ctx context.Context, h *provider.Handle, sessionID, commandID string, onChunk provider.ChunkFunc) error {
	dir := sessionRoot + "/" + sessionID
	logPath := dir + "/" + commandID + ".log"
	exitPath := dir + "/" + commandID + ".exit"

	// tail -f in the background, poll for the exit sentinel, then give the
	// tail a moment to drain the final lines before killing it.
	script := fmt.Sprintf(
		"touch %[1]s; tail -n +1 -f %[1]s & t=$!; while [ ! -e %[2]s ]; do sleep 0.2; done; sleep 0.3; kill $t 2>/dev/null",
		logPath, exitPath,
	)

	cmd := exec.CommandContext(ctx, "docker", "exec", h.ID, "sh", "-c", script)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attaching to log stream: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting log stream: %w", err)
	}

	buf := make([]byte, streamReadSize)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if readErr != nil {
			if readErr != io.EOF {
				_ = cmd.Wait()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("reading log stream: %w", readErr)
			}
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// tail exits non-zero when killed by the sentinel loop; the stream
		// itself completed.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("log stream failed: %w", err)
		}
	}
	return nil
}

// inspectStatus returns the normalized status of a container.
func (p *Provider) inspectStatus(ctx context.Context, id string) (provider.Status, error) {
	out, err := p.docker(ctx, cliTimeout, "inspect", "-f", "{{.State.Status}}", id)
	if err != nil {
		if isNotFound(err) {
			return "", provider.ErrNotFound
		}
		return "", fmt.Errorf("docker inspect failed: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(out)) {
	case "running":
		return provider.StatusRunning, nil
	case "paused":
		return provider.StatusArchived, nil
	case "exited", "created":
		return provider.StatusStopped, nil
	default:
		return provider.StatusUnknown, nil
	}
}

// docker runs a docker CLI command and returns stdout.
func (p *Provider) docker(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

// isNotFound reports whether a docker CLI error indicates a missing container.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "no such object")
}

// generateName returns a unique container name: sandbridge-<16 hex chars>.
func generateName() (string, error) {
	id, err := generateID()
	if err != nil {
		return "", err
	}
	return "sandbridge-" + id, nil
}

func generateID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// limitedWriter stops writing after a byte limit. Excess is discarded.
type limitedWriter struct {
	w         *bytes.Buffer
	remaining int
}

func (lw *limitedWriter) Write(b []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(b), nil
	}
	if len(b) > lw.remaining {
		b = b[:lw.remaining]
	}
	n, err := lw.w.Write(b)
	lw.remaining -= n
	return n, err
}
