package database

import (
	"testing"
	"time"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

// ============================================================================
// TEST: Daily reset boundary at the configured hour
// ============================================================================

func TestPrevDailyReset(t *testing.T) {
	testCases := []struct {
		name      string
		now       time.Time
		resetHour int
		want      time.Time
	}{
		{"after today's boundary", utc(2025, 6, 10, 14, 30), 8, utc(2025, 6, 10, 8, 0)},
		{"before today's boundary", utc(2025, 6, 10, 6, 0), 8, utc(2025, 6, 9, 8, 0)},
		{"exactly at the boundary", utc(2025, 6, 10, 8, 0), 8, utc(2025, 6, 10, 8, 0)},
		{"midnight reset hour", utc(2025, 6, 10, 14, 0), 0, utc(2025, 6, 10, 0, 0)},
		{"month rollover", utc(2025, 6, 1, 2, 0), 8, utc(2025, 5, 31, 8, 0)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := PrevDailyReset(tc.now, tc.resetHour)
			if !got.Equal(tc.want) {
				t.Errorf("PrevDailyReset(%v, %d) = %v, want %v", tc.now, tc.resetHour, got, tc.want)
			}
		})
	}
}

// ============================================================================
// TEST: Weekly boundary is Monday 00:00 UTC
// ============================================================================

func TestPrevWeeklyReset(t *testing.T) {
	testCases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"mid-week", utc(2025, 6, 12, 10, 0), utc(2025, 6, 9, 0, 0)},     // Thursday -> Monday
		{"monday morning", utc(2025, 6, 9, 5, 0), utc(2025, 6, 9, 0, 0)}, // same Monday
		{"sunday", utc(2025, 6, 15, 23, 0), utc(2025, 6, 9, 0, 0)},       // still last Monday
		{"monday midnight", utc(2025, 6, 9, 0, 0), utc(2025, 6, 9, 0, 0)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := PrevWeeklyReset(tc.now)
			if !got.Equal(tc.want) {
				t.Errorf("PrevWeeklyReset(%v) = %v, want %v", tc.now, got, tc.want)
			}
			if got.Weekday() != time.Monday {
				t.Errorf("Boundary %v is not a Monday", got)
			}
		})
	}
}

func TestPrevMonthlyReset(t *testing.T) {
	got := PrevMonthlyReset(utc(2025, 6, 15, 12, 0))
	if !got.Equal(utc(2025, 6, 1, 0, 0)) {
		t.Errorf("PrevMonthlyReset = %v, want June 1", got)
	}
	got = PrevMonthlyReset(utc(2025, 6, 1, 0, 0))
	if !got.Equal(utc(2025, 6, 1, 0, 0)) {
		t.Errorf("PrevMonthlyReset at the boundary = %v, want June 1", got)
	}
}

// ============================================================================
// TEST: Boundary crossing detection between maintenance ticks
// ============================================================================

func TestHourBoundariesCrossed(t *testing.T) {
	marks := HourBoundariesCrossed(utc(2025, 6, 10, 7, 50), utc(2025, 6, 10, 10, 5))
	if len(marks) != 3 {
		t.Fatalf("Expected 3 hour marks, got %d: %v", len(marks), marks)
	}
	for i, wantHour := range []int{8, 9, 10} {
		if marks[i].Hour() != wantHour {
			t.Errorf("mark[%d].Hour() = %d, want %d", i, marks[i].Hour(), wantHour)
		}
	}

	if marks := HourBoundariesCrossed(utc(2025, 6, 10, 7, 10), utc(2025, 6, 10, 7, 50)); marks != nil {
		t.Errorf("Expected no marks within one hour, got %v", marks)
	}
}

func TestCrossedWeeklyReset(t *testing.T) {
	// Sunday 23:50 -> Monday 00:10 crosses the ISO-week boundary.
	if !CrossedWeeklyReset(utc(2025, 6, 8, 23, 50), utc(2025, 6, 9, 0, 10)) {
		t.Error("Expected a weekly boundary crossing Sunday->Monday midnight")
	}
	if CrossedWeeklyReset(utc(2025, 6, 10, 0, 0), utc(2025, 6, 11, 0, 0)) {
		t.Error("Tuesday->Wednesday must not cross a weekly boundary")
	}
}

func TestCrossedMonthlyReset(t *testing.T) {
	if !CrossedMonthlyReset(utc(2025, 5, 31, 23, 50), utc(2025, 6, 1, 0, 10)) {
		t.Error("Expected a monthly boundary crossing May->June midnight")
	}
	if CrossedMonthlyReset(utc(2025, 6, 10, 0, 0), utc(2025, 6, 11, 0, 0)) {
		t.Error("Mid-month tick must not cross a monthly boundary")
	}
}
