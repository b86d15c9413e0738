// Package ws implements the WebSocket chat transport. Clients connect,
// authenticate with the same API keys as the HTTP gateway, and exchange
// turns: one JSON request frame per turn, a stream of event frames back,
// terminated by a "done" frame. Turns on one connection run sequentially.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/jkaninda/sandbridge/internal/bridge"
	"github.com/jkaninda/sandbridge/internal/ratelimit"
	"github.com/jkaninda/sandbridge/internal/resolver"
	"github.com/jkaninda/sandbridge/internal/state"
)

// Subprotocol identifies the chat framing version.
const Subprotocol = "sandbridge-chat-v1"

// ChatFrame is the client request frame starting a turn.
type ChatFrame struct {
	Message string `json:"message"`
}

// doneFrame terminates the event stream of one turn.
type doneFrame struct {
	Type string `json:"type"`
}

// Server is the WebSocket chat server.
type Server struct {
	resolver  *resolver.Resolver
	bridge    *bridge.Bridge
	store     state.Store
	limiter   *ratelimit.Limiter
	apiKeys   map[string]string
	tenantKey string
	logger    *slog.Logger
}

// NewServer creates a WebSocket chat server sharing the HTTP gateway's
// API keys and rate limiter.
func NewServer(res *resolver.Resolver, br *bridge.Bridge, store state.Store, rl *ratelimit.Limiter, apiKeys map[string]string, tenantKey string, logger *slog.Logger) *Server {
	if tenantKey == "" {
		tenantKey = "default"
	}
	return &Server{
		resolver:  res,
		bridge:    br,
		store:     store,
		limiter:   rl,
		apiKeys:   apiKeys,
		tenantKey: tenantKey,
		logger:    logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, userID)
}

// authenticate checks the token from the query string or Authorization
// header against the configured API keys.
func (s *Server) authenticate(r *http.Request) (string, bool) {
	if len(s.apiKeys) == 0 {
		return "", false
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return "", false
	}

	for key, mapped := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return mapped, true
		}
	}
	return "", false
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, userID string) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	s.logger.Info("websocket chat connected", slog.String("user_id", userID))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("websocket chat disconnected", slog.String("user_id", userID))
			} else {
				s.logger.Warn("websocket connection error",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var frame ChatFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Message == "" {
			s.writeEvent(ctx, conn, bridge.Event{Type: bridge.EventError, Text: "message is required"})
			s.writeDone(ctx, conn)
			continue
		}

		if s.limiter != nil {
			if err := s.limiter.Allow(userID); err != nil {
				s.writeEvent(ctx, conn, bridge.Event{Type: bridge.EventError, Text: "rate limit exceeded"})
				s.writeDone(ctx, conn)
				continue
			}
		}

		if err := s.runTurn(ctx, conn, userID, frame.Message); err != nil {
			return
		}
	}
}

// runTurn resolves the sandbox, executes one turn, and relays events.
// Returns an error only when the connection itself is broken.
func (s *Server) runTurn(ctx context.Context, conn *websocket.Conn, userID, message string) error {
	// A dropped connection cancels ctx; the turn still runs to completion
	// server-side so the conversation stays consistent.
	turnCtx := context.WithoutCancel(ctx)

	handle, err := s.resolver.Resolve(turnCtx, s.tenantKey)
	if err != nil {
		s.logger.Error("sandbox resolution failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		s.writeEvent(ctx, conn, bridge.Event{Type: bridge.EventError, Text: "sandbox resolution failed"})
		return s.writeDone(ctx, conn)
	}

	record, err := s.store.Get(turnCtx, s.tenantKey)
	if err != nil {
		s.writeEvent(ctx, conn, bridge.Event{Type: bridge.EventError, Text: "loading sandbox record failed"})
		return s.writeDone(ctx, conn)
	}
	firstTurn := len(record.Conversation) == 0

	events := make(chan bridge.Event)
	errc := make(chan error, 1)
	go func() {
		errc <- s.bridge.Run(turnCtx, handle, s.tenantKey, message, firstTurn, events)
	}()

	var writeErr error
	for ev := range events {
		if writeErr == nil {
			writeErr = s.writeEvent(ctx, conn, ev)
		}
	}

	if err := <-errc; err != nil {
		if errors.Is(err, bridge.ErrSandboxLost) {
			if uerr := s.store.Unbind(turnCtx, s.tenantKey); uerr != nil {
				s.logger.Error("unbinding lost sandbox failed", slog.String("error", uerr.Error()))
			}
		}
		s.logger.Warn("turn failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	if writeErr != nil {
		return writeErr
	}
	return s.writeDone(ctx, conn)
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev bridge.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) writeDone(ctx context.Context, conn *websocket.Conn) error {
	data, _ := json.Marshal(doneFrame{Type: "done"})
	return conn.Write(ctx, websocket.MessageText, data)
}
