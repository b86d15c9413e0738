// Package state defines the per-tenant sandbox record and the Store
// interface that persists it. Exactly one record exists per tenant key;
// it is created lazily on first read and only ever reset, never deleted.
package state

import (
	"context"
	"time"
)

// Sender identifies who produced a conversation message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is one turn in the conversation.
type Message struct {
	ID        string `json:"id"`
	Sender    Sender `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

// Sandbox is the persisted lifecycle record for one tenant.
//
// SandboxID and Bound change together: Bound implies SandboxID is set.
// The reverse does not hold — a stale id may be cleared independently on
// unrecoverable loss.
type Sandbox struct {
	TenantID       string    `json:"tenant_id"`
	SandboxID      string    `json:"sandbox_id,omitempty"` // empty = unbound
	Bound          bool      `json:"bound"`
	PreviewURL     string    `json:"preview_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Conversation   []Message `json:"conversation"`
}

// Store persists sandbox records. All operations are atomic with respect to
// a single tenant key. Storage unavailability is fatal for the current
// request — there are no other error conditions.
type Store interface {
	// Get returns the tenant's record, creating a default unbound one if
	// absent. Touches LastAccessedAt as a side effect.
	Get(ctx context.Context, tenantID string) (*Sandbox, error)

	// Bind sets the sandbox identity and marks the record bound.
	// PreviewURL and the conversation are preserved.
	Bind(ctx context.Context, tenantID, sandboxID string) error

	// Unbind resets the record to its default unbound shape, discarding
	// identity, preview address, and conversation. Used only on
	// unrecoverable sandbox loss.
	Unbind(ctx context.Context, tenantID string) error

	// SetPreviewURL updates the preview address.
	SetPreviewURL(ctx context.Context, tenantID, url string) error

	// AppendMessage appends one message to the conversation.
	AppendMessage(ctx context.Context, tenantID string, msg Message) error

	// ClearConversation truncates the conversation to empty without
	// touching identity or preview address.
	ClearConversation(ctx context.Context, tenantID string) error

	// Close releases the underlying storage.
	Close() error

	// Driver returns the storage driver name.
	Driver() string
}

// Driver names accepted by the storage config.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)
