package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sandbridge/internal/bridge"
)

// ChatRequest is the JSON body for POST /v1/chat/stream.
type ChatRequest struct {
	Message string `json:"message"`
}

// doneEvent terminates the event stream of a completed turn.
type doneEvent struct {
	Type string `json:"type"`
}

// handleChatStream runs one conversation turn and relays bridge events as
// server-sent events. Event names mirror the bridge event types; structured
// agent events keep their original payload.
func (g *Gateway) handleChatStream(c *okapi.Context) error {
	userID := c.GetString("userID")
	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("message is required")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}

	correlationID := newCorrelationID()

	// A client disconnect cancels the request context, but the turn must
	// keep running server-side so the conversation stays consistent.
	turnCtx := context.WithoutCancel(c.Context())

	handle, err := g.resolver.Resolve(turnCtx, g.config.TenantKey)
	if err != nil {
		return g.resolveError(c, correlationID, err)
	}

	record, err := g.store.Get(turnCtx, g.config.TenantKey)
	if err != nil {
		return c.AbortInternalServerError("loading sandbox record failed")
	}
	firstTurn := len(record.Conversation) == 0

	g.logger.Info("http chat stream",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.String("sandbox_id", handle.ID),
		slog.Bool("first_turn", firstTurn),
	)

	events := make(chan bridge.Event)
	errc := make(chan error, 1)
	go func() {
		errc <- g.bridge.Run(turnCtx, handle, g.config.TenantKey, req.Message, firstTurn, events)
	}()

	sent := 0
	for ev := range events {
		c.SSEvent(ev.Type, ev)
		sent++
	}

	if err := <-errc; err != nil {
		if errors.Is(err, bridge.ErrSandboxLost) {
			// The sandbox is gone: drop the binding so the next request
			// provisions a fresh one.
			if uerr := g.store.Unbind(turnCtx, g.config.TenantKey); uerr != nil {
				g.logger.Error("unbinding lost sandbox failed",
					slog.String("correlation_id", correlationID),
					slog.String("error", uerr.Error()),
				)
			}
			g.logger.Warn("sandbox lost during turn",
				slog.String("correlation_id", correlationID),
				slog.String("sandbox_id", handle.ID),
			)
			if sent == 0 {
				return c.JSON(http.StatusServiceUnavailable, ErrorBody{
					Error:    "sandbox connection lost, retry to provision a new sandbox",
					Category: "sandbox_lost",
				})
			}
			// Mid-stream loss was already reported with an in-stream error
			// event; the response status is committed.
			c.SSEvent("done", doneEvent{Type: "done"})
			return nil
		}

		g.logger.Error("turn failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		if sent == 0 {
			return c.AbortInternalServerError("turn failed")
		}
		c.SSEvent("done", doneEvent{Type: "done"})
		return nil
	}
	c.SSEvent("done", doneEvent{Type: "done"})
	return nil
}
