package util

import (
	"testing"
	"time"
)

func TestFormatAge(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{-time.Minute, "0s"},
		{500 * time.Millisecond, "0s"},
		{45 * time.Second, "45s"},
		{3*time.Minute + 12*time.Second, "3m12s"},
		{5 * time.Minute, "5m"},
		{2*time.Hour + 5*time.Minute + 30*time.Second, "2h5m"},
		{8 * time.Hour, "8h"},
		{3*24*time.Hour + 4*time.Hour + 59*time.Minute, "3d4h"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatAge(tt.in); got != tt.want {
				t.Errorf("FormatAge(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatUntil(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	if got := FormatUntil(now.Add(90*time.Second), now); got != "1m30s" {
		t.Errorf("FormatUntil(+90s) = %q, want 1m30s", got)
	}
	if got := FormatUntil(now, now); got != "expired" {
		t.Errorf("FormatUntil(now) = %q, want expired", got)
	}
}
