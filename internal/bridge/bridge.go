// Package bridge runs one conversational turn against a resolved sandbox
// and relays the command's line-oriented output to the caller in real time,
// while folding assistant text into a single persisted response.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandbridge/internal/observability"
	"github.com/jkaninda/sandbridge/internal/provider"
	"github.com/jkaninda/sandbridge/internal/state"
)

const (
	// defaultStreamTimeout bounds the whole log subscription. Elapsing is a
	// partial failure: an error event is emitted and finalization proceeds
	// with whatever accumulated.
	defaultStreamTimeout = 120 * time.Second

	// chunkQueueSize bounds the producer/consumer channel so a slow client
	// cannot grow memory without bound while still decoupling the log
	// subscription from forwarding.
	chunkQueueSize = 64
)

// ErrSandboxLost marks transport failures against the sandbox itself, as
// opposed to storage errors. Callers unbind the record and report the loss
// as retryable.
var ErrSandboxLost = errors.New("sandbox connection lost")

// Config configures the agent command the bridge runs inside the sandbox.
type Config struct {
	// Command is the agent CLI invocation prefix, e.g.
	// "claude -p --output-format stream-json --verbose".
	Command string

	// ContinueFlag is appended on every turn after the first, resuming the
	// previous agent session.
	ContinueFlag string

	// StreamTimeout overrides the default log-subscription timeout.
	StreamTimeout time.Duration
}

// Bridge is the streaming execution bridge.
type Bridge struct {
	store    state.Store
	provider provider.Provider
	config   Config
	logger   *slog.Logger
	metrics  *observability.MetricsCollector // nil = metrics disabled
}

// New creates a Bridge. metrics may be nil.
func New(store state.Store, prov provider.Provider, cfg Config, logger *slog.Logger, metrics *observability.MetricsCollector) *Bridge {
	if cfg.Command == "" {
		cfg.Command = "claude -p --output-format stream-json --verbose"
	}
	if cfg.ContinueFlag == "" {
		cfg.ContinueFlag = "--continue"
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaultStreamTimeout
	}
	return &Bridge{store: store, provider: prov, config: cfg, logger: logger, metrics: metrics}
}

// Run executes one conversation turn and streams events to the channel,
// which is closed when the turn completes. The user's message is persisted
// before the command is issued, so a crash mid-stream keeps the user turn.
// A stream timeout is reported in-stream and does not fail the call; a
// transport failure after the command was issued is returned to the caller
// after finalization so the gateway can unbind the lost sandbox.
func (b *Bridge) Run(ctx context.Context, handle *provider.Handle, tenantID, message string, firstTurn bool, events chan<- Event) error {
	defer close(events)

	if err := b.store.AppendMessage(ctx, tenantID, state.Message{
		ID:        uuid.New().String(),
		Sender:    state.SenderUser,
		Content:   message,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("persisting user message: %w", err)
	}

	command := b.buildCommand(message, firstTurn)

	sessionID, err := b.provider.CreateSession(ctx, handle)
	if err != nil {
		return fmt.Errorf("%w: creating session: %w", ErrSandboxLost, err)
	}
	commandID, err := b.provider.RunAsync(ctx, handle, sessionID, command)
	if err != nil {
		return fmt.Errorf("%w: issuing command: %w", ErrSandboxLost, err)
	}

	b.logger.Info("turn started",
		slog.String("tenant", tenantID),
		slog.String("sandbox_id", handle.ID),
		slog.String("session", sessionID),
		slog.Bool("first_turn", firstTurn),
	)
	if b.metrics != nil {
		b.metrics.StreamsTotal.Inc()
		defer func(start time.Time) {
			b.metrics.StreamDuration.Observe(time.Since(start).Seconds())
		}(time.Now())
	}

	var acc strings.Builder
	streamErr := b.stream(ctx, handle, sessionID, commandID, events, &acc)
	// Finalization must land even when the caller is gone.
	b.finalize(context.WithoutCancel(ctx), tenantID, &acc)
	return streamErr
}

// stream consumes the log subscription, reassembles lines, forwards events
// in byte-arrival order, and folds assistant text into the accumulator.
func (b *Bridge) stream(ctx context.Context, handle *provider.Handle, sessionID, commandID string, events chan<- Event, acc *strings.Builder) error {
	streamCtx, cancel := context.WithTimeout(ctx, b.config.StreamTimeout)
	defer cancel()

	// Producer pushes raw chunks; the consumer below forwards and folds.
	// The subscription callback never blocks on a slow client beyond the
	// bounded queue.
	chunks := make(chan []byte, chunkQueueSize)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		errc <- b.provider.StreamLogs(streamCtx, handle, sessionID, commandID, func(chunk []byte) {
			select {
			case chunks <- chunk:
			case <-streamCtx.Done():
			}
		})
	}()

	var buf lineBuffer
	for chunk := range chunks {
		for _, line := range buf.Feed(chunk) {
			b.forward(events, line, acc)
		}
	}
	if line, ok := buf.Flush(); ok {
		b.forward(events, line, acc)
	}

	err := <-errc
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// Timeout: partial failure, reported in-stream.
		b.logger.Warn("log subscription timed out",
			slog.String("sandbox_id", handle.ID),
			slog.Duration("timeout", b.config.StreamTimeout),
		)
		if b.metrics != nil {
			b.metrics.StreamTimeoutsTotal.Inc()
		}
		events <- Event{Type: EventError, Text: fmt.Sprintf("response timed out after %s", b.config.StreamTimeout)}
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// The caller canceled the turn. The sandbox is fine, so this must
		// not be mistaken for a lost connection.
		b.logger.Warn("log subscription canceled by caller",
			slog.String("sandbox_id", handle.ID),
		)
		return err
	default:
		events <- Event{Type: EventError, Text: "sandbox connection lost"}
		return fmt.Errorf("%w: log subscription failed: %w", ErrSandboxLost, err)
	}
}

// forward parses one complete line, relays the event, and accumulates text.
func (b *Bridge) forward(events chan<- Event, line string, acc *strings.Builder) {
	ev := parseLine(line)
	if b.metrics != nil {
		b.metrics.StreamEventsTotal.WithLabelValues(ev.Type).Inc()
	}

	switch ev.Type {
	case EventRaw:
		// Non-JSON diagnostic output still reaches both the caller and the
		// persisted response.
		acc.WriteString(ev.Text)
		acc.WriteByte('\n')
	default:
		if text := assistantText(ev); text != "" {
			acc.WriteString(text)
		}
	}
	events <- ev
}

// finalize appends the accumulated assistant response, if any.
func (b *Bridge) finalize(ctx context.Context, tenantID string, acc *strings.Builder) {
	response := strings.TrimSpace(acc.String())
	if response == "" {
		return
	}
	if err := b.store.AppendMessage(ctx, tenantID, state.Message{
		ID:        uuid.New().String(),
		Sender:    state.SenderAssistant,
		Content:   response,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		b.logger.Error("persisting assistant message failed",
			slog.String("tenant", tenantID),
			slog.String("error", err.Error()),
		)
	}
}

// buildCommand assembles the agent CLI invocation for one turn.
func (b *Bridge) buildCommand(message string, firstTurn bool) string {
	var sb strings.Builder
	sb.WriteString(b.config.Command)
	if !firstTurn {
		sb.WriteByte(' ')
		sb.WriteString(b.config.ContinueFlag)
	}
	sb.WriteByte(' ')
	sb.WriteString(shellQuote(message))
	return sb.String()
}

// shellQuote single-quotes s for POSIX sh, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
