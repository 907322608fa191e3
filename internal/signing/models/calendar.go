package models

import "time"

// AddBusinessDays moves t forward by days working days, skipping Saturdays and
// Sundays. The time of day is preserved, so Friday 15:00 plus one business
// day is Monday 15:00.
func AddBusinessDays(t time.Time, days int) time.Time {
	for days > 0 {
		t = t.AddDate(0, 0, 1)
		if isBusinessDay(t) {
			days--
		}
	}
	return t
}

func isBusinessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}
