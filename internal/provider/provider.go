// Package provider defines the capability interface Sandbridge consumes from
// a sandbox execution backend. The core never talks to a backend directly —
// resolution, health remediation, and log streaming all go through Provider,
// so backends (Docker, remote APIs) are interchangeable.
package provider

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Lookup when no sandbox matches the given id.
// Callers treat it as recoverable: a stale id triggers recreation, not failure.
var ErrNotFound = errors.New("sandbox not found")

// Status is the provider-reported lifecycle state of a sandbox.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusArchived Status = "archived"
	StatusUnknown  Status = "unknown"
)

// ParseStatus normalizes a provider-reported status string.
// Comparison is case-insensitive; "started" is accepted as a running
// synonym. Anything outside the recognized values maps to StatusUnknown,
// which callers treat like not-found.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running", "started":
		return StatusRunning
	case "stopped":
		return StatusStopped
	case "archived":
		return StatusArchived
	default:
		return StatusUnknown
	}
}

// Handle references a live sandbox at the provider.
type Handle struct {
	ID     string
	Status Status
}

// CreateRequest describes a new sandbox.
type CreateRequest struct {
	// Snapshot is the prebuilt environment image reference.
	Snapshot string

	// Env holds tenant-scoped secrets and settings injected at creation.
	Env map[string]string

	// Public exposes the sandbox's preview ports externally.
	Public bool
}

// RunResult is the outcome of a short synchronous command.
type RunResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// ChunkFunc receives one chunk of command output as it becomes available.
// Chunks are not line-aligned.
type ChunkFunc func(chunk []byte)

// Provider is the abstract sandbox backend.
//
// Lookup, Create, Start, Status, PreviewURL and Run cover lifecycle and
// short setup commands. CreateSession, RunAsync and StreamLogs cover one
// long-running command: a session scopes the command's lifetime, RunAsync
// returns immediately with a command id, and StreamLogs invokes the chunk
// callback until the command finishes.
type Provider interface {
	// Ping reports whether the backend is reachable. Used by readiness
	// checks, not by the request path.
	Ping(ctx context.Context) error

	// Lookup finds an existing sandbox by id. Returns ErrNotFound when the
	// id no longer resolves.
	Lookup(ctx context.Context, id string) (*Handle, error)

	// Create provisions a new sandbox from a snapshot image.
	Create(ctx context.Context, req CreateRequest) (*Handle, error)

	// Start brings a stopped or archived sandbox back to running.
	// Archived sandboxes may take materially longer.
	Start(ctx context.Context, h *Handle) error

	// Status reports the current lifecycle state.
	Status(ctx context.Context, h *Handle) (Status, error)

	// PreviewURL returns the externally reachable address of the given port.
	PreviewURL(ctx context.Context, h *Handle, port int) (string, error)

	// Run executes a short command synchronously and returns its output.
	Run(ctx context.Context, h *Handle, command string) (*RunResult, error)

	// CreateSession opens a scoping construct for one async command.
	CreateSession(ctx context.Context, h *Handle) (string, error)

	// RunAsync starts a command inside a session and returns its command id
	// without waiting for completion.
	RunAsync(ctx context.Context, h *Handle, sessionID, command string) (string, error)

	// StreamLogs subscribes to the command's output, invoking onChunk per
	// chunk of bytes. It returns when the command finishes or ctx is done.
	StreamLogs(ctx context.Context, h *Handle, sessionID, commandID string, onChunk ChunkFunc) error
}
