package timeutil

import (
	"testing"
	"time"
)

func TestParseDayRoundTrip(t *testing.T) {
	day, err := ParseDay("2025-01-20")
	if err != nil {
		t.Fatalf("parse day: %v", err)
	}
	if got := FormatDay(day); got != "2025-01-20" {
		t.Fatalf("want 2025-01-20, got %s", got)
	}
	if day.Hour() != 0 || day.Location() != time.UTC {
		t.Fatalf("expected normalized midnight UTC, got %v", day)
	}
}

func TestParseDayRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "20250120", "2025-13-01", "yesterday"} {
		if _, err := ParseDay(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestDaysBetween(t *testing.T) {
	tests := []struct {
		start, end string
		want       int
	}{
		{"2025-01-01", "2025-01-01", 1},
		{"2025-01-01", "2025-01-31", 31},
		{"2025-01-01", "2025-12-31", 365},
		{"2025-01-02", "2025-01-01", 0},
	}
	for _, tt := range tests {
		start, _ := ParseDay(tt.start)
		end, _ := ParseDay(tt.end)
		if got := DaysBetween(start, end); got != tt.want {
			t.Errorf("DaysBetween(%s, %s): want %d, got %d", tt.start, tt.end, tt.want, got)
		}
	}
}

func TestIterateDaysAscending(t *testing.T) {
	start, _ := ParseDay("2025-02-27")
	end, _ := ParseDay("2025-03-02")
	days := IterateDays(start, end)
	want := []string{"2025-02-27", "2025-02-28", "2025-03-01", "2025-03-02"}
	if len(days) != len(want) {
		t.Fatalf("want %d days, got %d", len(want), len(days))
	}
	for i, d := range days {
		if FormatDay(d) != want[i] {
			t.Errorf("index %d: want %s, got %s", i, want[i], FormatDay(d))
		}
	}
}

func TestPreviousPeriodIsAdjacentAndEqualLength(t *testing.T) {
	start, _ := ParseDay("2025-01-20")
	end, _ := ParseDay("2025-01-27")
	prevStart, prevEnd := PreviousPeriod(start, end)
	if FormatDay(prevStart) != "2025-01-12" || FormatDay(prevEnd) != "2025-01-19" {
		t.Fatalf("want [2025-01-12, 2025-01-19], got [%s, %s]", FormatDay(prevStart), FormatDay(prevEnd))
	}
	if DaysBetween(prevStart, prevEnd) != DaysBetween(start, end) {
		t.Fatal("previous period length differs from current period")
	}
}

func TestTodayUsesReportingLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// 03:00 UTC on Jan 2 is still Jan 1 in New York.
	now := time.Date(2025, time.January, 2, 3, 0, 0, 0, time.UTC)
	if got := FormatDay(Today(now, loc)); got != "2025-01-01" {
		t.Fatalf("want 2025-01-01, got %s", got)
	}
	if got := FormatDay(Today(now, time.UTC)); got != "2025-01-02" {
		t.Fatalf("want 2025-01-02, got %s", got)
	}
}
