package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProbe_HealthyServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMonitor(0, testLogger())
	if !m.Probe(context.Background(), srv.URL) {
		t.Error("Probe = false for a healthy server")
	}
}

func TestProbe_RedirectCountsAsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	m := NewMonitor(0, testLogger())
	if !m.Probe(context.Background(), srv.URL) {
		t.Error("Probe = false for a 3xx response")
	}
}

func TestProbe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := NewMonitor(0, testLogger())
	if m.Probe(context.Background(), srv.URL) {
		t.Error("Probe = true for a 5xx response")
	}
}

func TestProbe_Unreachable(t *testing.T) {
	// Reserve a port, then close it so nothing is listening.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	m := NewMonitor(200*time.Millisecond, testLogger())
	if m.Probe(context.Background(), url) {
		t.Error("Probe = true with no listener")
	}
}

func TestProbe_EmptyAddress(t *testing.T) {
	m := NewMonitor(0, testLogger())
	if m.Probe(context.Background(), "") {
		t.Error("Probe = true for an empty address")
	}
}

func TestProbe_SlowServerTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	m := NewMonitor(100*time.Millisecond, testLogger())
	start := time.Now()
	if m.Probe(context.Background(), srv.URL) {
		t.Error("Probe = true for a stalled server")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("probe took %s, want bounded latency", elapsed)
	}
}
