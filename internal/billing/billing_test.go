package billing

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestCurrentBillingWindow(t *testing.T) {
	ts := []time.Time{
		mustParse(t, "2026-01-03T10:10:00Z"),
		mustParse(t, "2026-01-03T10:20:00Z"),
		mustParse(t, "2026-01-03T20:10:00Z"),
	}
	now := mustParse(t, "2026-01-03T20:30:00Z")

	w := CurrentBillingWindow(now, ts)
	wantStart := mustParse(t, "2026-01-03T20:00:00Z")
	wantEnd := mustParse(t, "2026-01-04T01:00:00Z")
	if !w.Start.Equal(wantStart) || !w.End.Equal(wantEnd) {
		t.Fatalf("got window [%s, %s), want [%s, %s)", w.Start, w.End, wantStart, wantEnd)
	}
}

func TestPercentInt(t *testing.T) {
	got := PercentInt(335000, Limits{OutputTokens: 500000})
	if got != 67 {
		t.Errorf("expected 67, got %d", got)
	}
	if got := PercentInt(100, Limits{OutputTokens: 0}); got != 0 {
		t.Errorf("expected 0 for non-positive limit, got %d", got)
	}
}

func TestFloorToHour(t *testing.T) {
	ts := mustParse(t, "2026-01-03T10:47:33Z")
	got := FloorToHour(ts)
	want := mustParse(t, "2026-01-03T10:00:00Z")
	if !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestActiveBillingWindowsIdempotent(t *testing.T) {
	ts := []time.Time{
		mustParse(t, "2026-01-03T10:10:00Z"),
		mustParse(t, "2026-01-03T10:20:00Z"),
	}
	now := mustParse(t, "2026-01-03T10:30:00Z")
	first := ActiveBillingWindows(now, ts)
	second := ActiveBillingWindows(now, ts)
	if len(first) != len(second) {
		t.Fatalf("expected idempotent results, got %d vs %d", len(first), len(second))
	}
}
