// Package memory implements state.Store with an in-process map. It backs
// the "memory" driver for tests and throwaway deployments; records do not
// survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jkaninda/sandbridge/internal/state"
)

// Store is an in-memory state.Store. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	records map[string]*state.Sandbox
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]*state.Sandbox)}
}

var _ state.Store = (*Store)(nil)

// Get returns the tenant's record, creating a default unbound one if absent.
func (s *Store) Get(_ context.Context, tenantID string) (*state.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensure(tenantID)
	rec.LastAccessedAt = time.Now().UTC()
	return copyRecord(rec), nil
}

// Bind sets the sandbox identity, preserving preview URL and conversation.
func (s *Store) Bind(_ context.Context, tenantID, sandboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensure(tenantID)
	rec.SandboxID = sandboxID
	rec.Bound = true
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.LastAccessedAt = time.Now().UTC()
	return nil
}

// Unbind resets the record to its default unbound shape.
func (s *Store) Unbind(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensure(tenantID)
	rec.SandboxID = ""
	rec.Bound = false
	rec.PreviewURL = ""
	rec.Conversation = nil
	rec.LastAccessedAt = time.Now().UTC()
	return nil
}

// SetPreviewURL updates the preview address.
func (s *Store) SetPreviewURL(_ context.Context, tenantID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensure(tenantID)
	rec.PreviewURL = url
	rec.LastAccessedAt = time.Now().UTC()
	return nil
}

// AppendMessage appends one message to the conversation.
func (s *Store) AppendMessage(_ context.Context, tenantID string, msg state.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensure(tenantID)
	rec.Conversation = append(rec.Conversation, msg)
	rec.LastAccessedAt = time.Now().UTC()
	return nil
}

// ClearConversation truncates the conversation only.
func (s *Store) ClearConversation(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensure(tenantID)
	rec.Conversation = nil
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Driver returns "memory".
func (s *Store) Driver() string { return state.DriverMemory }

// ensure returns the tenant's record, creating it if absent. Caller holds mu.
func (s *Store) ensure(tenantID string) *state.Sandbox {
	rec, ok := s.records[tenantID]
	if !ok {
		now := time.Now().UTC()
		rec = &state.Sandbox{
			TenantID:       tenantID,
			CreatedAt:      now,
			LastAccessedAt: now,
		}
		s.records[tenantID] = rec
	}
	return rec
}

// copyRecord returns a snapshot so callers cannot mutate shared state.
func copyRecord(rec *state.Sandbox) *state.Sandbox {
	out := *rec
	out.Conversation = make([]state.Message, len(rec.Conversation))
	copy(out.Conversation, rec.Conversation)
	return &out
}
