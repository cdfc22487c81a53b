package timeutil

import (
	"errors"
	"testing"
	"time"
)

func TestParseDateKeyLenientPadding(t *testing.T) {
	canonical, err := ParseDateKey("2025-01-15")
	if err != nil {
		t.Fatalf("parse canonical: %v", err)
	}
	loose, err := ParseDateKey("2025-1-15")
	if err != nil {
		t.Fatalf("parse loose: %v", err)
	}
	if !canonical.Equal(loose) {
		t.Fatalf("expected %v == %v", canonical, loose)
	}
	if FormatDateKey(loose) != "2025-01-15" {
		t.Fatalf("expected canonical format, got %s", FormatDateKey(loose))
	}
}

func TestParseDateKeyRejectsMalformedInput(t *testing.T) {
	cases := []string{"", "not-a-date", "2025-01", "2025-13-01", "2025-02-30", "20250115", "2025-01-15-00"}
	for _, input := range cases {
		if _, err := ParseDateKey(input); !errors.Is(err, ErrMalformedDate) {
			t.Errorf("input %q: expected ErrMalformedDate, got %v", input, err)
		}
	}
}

func TestRangeDaysInclusive(t *testing.T) {
	start := time.Date(2025, time.January, 30, 12, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.February, 2, 3, 0, 0, 0, time.UTC)
	days := RangeDays(start, end)
	expected := []string{"2025-01-30", "2025-01-31", "2025-02-01", "2025-02-02"}
	if len(days) != len(expected) {
		t.Fatalf("expected %d days, got %d: %v", len(expected), len(days), days)
	}
	for i, want := range expected {
		if days[i] != want {
			t.Errorf("index %d: want %s, got %s", i, want, days[i])
		}
	}
	if got := DaysBetween(start, end); got != 4 {
		t.Fatalf("expected 4 days between, got %d", got)
	}
}

func TestRangeDaysEmptyWhenReversed(t *testing.T) {
	start := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	if days := RangeDays(start, start.AddDate(0, 0, -1)); days != nil {
		t.Fatalf("expected nil for reversed range, got %v", days)
	}
}
