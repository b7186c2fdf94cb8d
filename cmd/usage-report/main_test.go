package main

import (
	"testing"
	"time"
)

func TestBuildFilterWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	f, err := buildFilter(now, "waiter-1", "week", "", "", 50)
	if err != nil {
		t.Fatalf("buildFilter() error = %v", err)
	}
	if f.UserID != "waiter-1" || f.Limit != 50 || f.Until != now || now.Sub(f.Since) != 7*24*time.Hour {
		t.Fatalf("unexpected filter: %+v", f)
	}
}

func TestBuildFilterExplicitRange(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	f, err := buildFilter(now, "", "day", "2026-02-01T00:00:00Z", "2026-02-02T00:00:00Z", 0)
	if err != nil {
		t.Fatalf("buildFilter() error = %v", err)
	}
	if f.Until.Sub(f.Since) != 24*time.Hour {
		t.Fatalf("unexpected range: %v - %v", f.Since, f.Until)
	}

	if _, err := buildFilter(now, "", "day", "2026-02-03T00:00:00Z", "2026-02-02T00:00:00Z", 0); err == nil {
		t.Fatal("expected error for inverted range")
	}
	if _, err := buildFilter(now, "", "month", "", "", 0); err == nil {
		t.Fatal("expected error for unknown window")
	}
}
