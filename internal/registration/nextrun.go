package registration

import "time"

// ComputeNextRunAt returns the next UTC instant, strictly after tickTime,
// whose HH:MM equals minuteOfDay (0-1439, minutes since UTC midnight).
func ComputeNextRunAt(minuteOfDay int, tickTime time.Time) time.Time {
	tickTime = tickTime.UTC()
	hour := minuteOfDay / 60
	minute := minuteOfDay % 60

	candidate := time.Date(tickTime.Year(), tickTime.Month(), tickTime.Day(), hour, minute, 0, 0, time.UTC)
	if !candidate.After(tickTime) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
