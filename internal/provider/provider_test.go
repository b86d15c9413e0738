package provider

import "testing"

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"running", StatusRunning},
		{"RUNNING", StatusRunning},
		{"  Running  ", StatusRunning},
		{"started", StatusRunning},
		{"STARTED", StatusRunning},
		{"stopped", StatusStopped},
		{"Stopped", StatusStopped},
		{"archived", StatusArchived},
		{"paused", StatusUnknown},
		{"terminating", StatusUnknown},
		{"", StatusUnknown},
	}
	for _, tt := range tests {
		if got := ParseStatus(tt.in); got != tt.want {
			t.Errorf("ParseStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
