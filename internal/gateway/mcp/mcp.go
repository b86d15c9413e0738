// Package mcp exposes the sandbox over the Model Context Protocol so MCP
// clients (editors, agent frontends) can drive it without the HTTP gateway.
// Chat turns are buffered: events are drained internally and the persisted
// assistant response is returned as the tool result.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jkaninda/sandbridge/internal/bridge"
	"github.com/jkaninda/sandbridge/internal/resolver"
	"github.com/jkaninda/sandbridge/internal/state"
)

// Server wires sandbox operations into an MCP server.
type Server struct {
	resolver  *resolver.Resolver
	bridge    *bridge.Bridge
	store     state.Store
	tenantKey string
	logger    *slog.Logger

	mcp *mcp.Server
}

// NewServer creates an MCP server exposing sandbox_status, sandbox_reset,
// and sandbox_chat tools.
func NewServer(res *resolver.Resolver, br *bridge.Bridge, store state.Store, tenantKey string, logger *slog.Logger) *Server {
	if tenantKey == "" {
		tenantKey = "default"
	}

	s := &Server{
		resolver:  res,
		bridge:    br,
		store:     store,
		tenantKey: tenantKey,
		logger:    logger,
		mcp: mcp.NewServer(
			&mcp.Implementation{Name: "sandbridge", Version: "v0.0.1"},
			nil,
		),
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "sandbox_status",
		Description: "Returns the tenant's sandbox record: binding, preview URL, and conversation length",
	}, s.handleStatus)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "sandbox_reset",
		Description: "Clears the conversation history while keeping the sandbox bound",
	}, s.handleReset)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "sandbox_chat",
		Description: "Sends a message to the sandboxed agent and returns its response",
	}, s.handleChat)

	return s
}

// Run serves MCP over stdin/stdout until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server starting on stdio")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// statusResult is the JSON payload returned by sandbox_status.
type statusResult struct {
	SandboxID    string `json:"sandbox_id,omitempty"`
	Bound        bool   `json:"bound"`
	PreviewURL   string `json:"preview_url,omitempty"`
	MessageCount int    `json:"message_count"`
}

func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, struct{}, error) {
	record, err := s.store.Get(ctx, s.tenantKey)
	if err != nil {
		return nil, struct{}{}, fmt.Errorf("loading sandbox record: %w", err)
	}

	payload, err := json.Marshal(statusResult{
		SandboxID:    record.SandboxID,
		Bound:        record.Bound,
		PreviewURL:   record.PreviewURL,
		MessageCount: len(record.Conversation),
	})
	if err != nil {
		return nil, struct{}{}, err
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
	}, struct{}{}, nil
}

func (s *Server) handleReset(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, struct{}, error) {
	if err := s.store.ClearConversation(ctx, s.tenantKey); err != nil {
		return nil, struct{}{}, fmt.Errorf("clearing conversation: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "conversation cleared"}},
	}, struct{}{}, nil
}

// ChatInput is the sandbox_chat tool input.
type ChatInput struct {
	Message string `json:"message" jsonschema_description:"The message to send to the sandboxed agent"`
}

func (s *Server) handleChat(ctx context.Context, _ *mcp.CallToolRequest, input ChatInput) (*mcp.CallToolResult, struct{}, error) {
	if input.Message == "" {
		return nil, struct{}{}, fmt.Errorf("message is required")
	}

	// The turn keeps running server-side even if the client drops the
	// request, so the conversation stays consistent.
	turnCtx := context.WithoutCancel(ctx)

	handle, err := s.resolver.Resolve(turnCtx, s.tenantKey)
	if err != nil {
		return nil, struct{}{}, fmt.Errorf("resolving sandbox: %w", err)
	}

	record, err := s.store.Get(turnCtx, s.tenantKey)
	if err != nil {
		return nil, struct{}{}, fmt.Errorf("loading sandbox record: %w", err)
	}
	firstTurn := len(record.Conversation) == 0

	// Drain the event stream; the assembled response is persisted by the
	// bridge and read back below.
	events := make(chan bridge.Event)
	errc := make(chan error, 1)
	go func() {
		errc <- s.bridge.Run(turnCtx, handle, s.tenantKey, input.Message, firstTurn, events)
	}()
	for range events {
	}

	if err := <-errc; err != nil {
		if errors.Is(err, bridge.ErrSandboxLost) {
			if uerr := s.store.Unbind(turnCtx, s.tenantKey); uerr != nil {
				s.logger.Error("unbinding lost sandbox failed", slog.String("error", uerr.Error()))
			}
		}
		return nil, struct{}{}, fmt.Errorf("turn failed: %w", err)
	}

	record, err = s.store.Get(turnCtx, s.tenantKey)
	if err != nil {
		return nil, struct{}{}, fmt.Errorf("reloading sandbox record: %w", err)
	}

	response := ""
	if n := len(record.Conversation); n > 0 {
		if last := record.Conversation[n-1]; last.Sender == state.SenderAssistant {
			response = last.Content
		}
	}
	if response == "" {
		response = "(no response)"
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: response}},
	}, struct{}{}, nil
}
