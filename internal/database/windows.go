package database

import "time"

// PnL window boundary math, all in UTC. Daily windows reset at the
// strategy's configured hour; weekly at the ISO-week boundary (Monday
// 00:00); monthly at the first of the month, 00:00.

// PrevDailyReset returns the most recent daily boundary at resetHour at or
// before now.
func PrevDailyReset(now time.Time, resetHour int) time.Time {
	now = now.UTC()
	boundary := time.Date(now.Year(), now.Month(), now.Day(), resetHour, 0, 0, 0, time.UTC)
	if boundary.After(now) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

// PrevWeeklyReset returns the most recent Monday 00:00 UTC at or before now.
func PrevWeeklyReset(now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7 // Monday=0 .. Sunday=6
	return day.AddDate(0, 0, -offset)
}

// PrevMonthlyReset returns the most recent first-of-month 00:00 UTC at or
// before now.
func PrevMonthlyReset(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// HourBoundariesCrossed lists the UTC hour marks passed in (from, to],
// oldest first. The maintenance loop resets daily windows for each.
func HourBoundariesCrossed(from, to time.Time) []time.Time {
	from, to = from.UTC(), to.UTC()
	if !to.After(from) {
		return nil
	}
	var out []time.Time
	mark := from.Truncate(time.Hour).Add(time.Hour)
	for !mark.After(to) {
		out = append(out, mark)
		mark = mark.Add(time.Hour)
	}
	return out
}

// CrossedWeeklyReset reports whether a Monday 00:00 UTC boundary lies in
// (from, to].
func CrossedWeeklyReset(from, to time.Time) bool {
	boundary := PrevWeeklyReset(to)
	return boundary.After(from) && !boundary.After(to)
}

// CrossedMonthlyReset reports whether a first-of-month 00:00 UTC boundary
// lies in (from, to].
func CrossedMonthlyReset(from, to time.Time) bool {
	boundary := PrevMonthlyReset(to)
	return boundary.After(from) && !boundary.After(to)
}
