// Package health implements the bounded-latency reachability probe the
// resolver uses to tell "running" apart from "running but unresponsive".
package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const defaultProbeTimeout = 3 * time.Second

// Monitor probes sandbox preview addresses.
type Monitor struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewMonitor creates a Monitor. A zero timeout uses the 3s default.
func NewMonitor(timeout time.Duration, logger *slog.Logger) *Monitor {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Monitor{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}
}

// Probe issues a HEAD request against the address and reports reachability.
// All failures — network errors, timeouts, non-success statuses — fold into
// false; Probe never returns an error.
func (m *Monitor) Probe(ctx context.Context, address string) bool {
	if address == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, address, nil)
	if err != nil {
		m.logger.Debug("health probe request invalid",
			slog.String("address", address),
			slog.String("error", err.Error()),
		)
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("health probe failed",
			slog.String("address", address),
			slog.String("error", err.Error()),
		)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 400
	if !healthy {
		m.logger.Debug("health probe got non-success status",
			slog.String("address", address),
			slog.Int("status", resp.StatusCode),
		)
	}
	return healthy
}
