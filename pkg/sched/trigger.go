package sched

import (
	"fmt"
	"sort"
	"time"

	"github.com/adhocore/gronx"

	"github.com/deployx/deployx/pkg/fleet"
)

// All schedule math happens in UTC; the API layer owns any timezone
// presentation.

// NextFire computes the first fire time strictly after the reference
// for a recurrence. For "once" the scheduled time itself is returned
// when it is still ahead; a past once-schedule has no next fire.
func NextFire(rec fleet.Recurrence, scheduled, after time.Time) (time.Time, error) {
	after = after.UTC()
	switch rec.Kind {
	case "", "once":
		if scheduled.After(after) {
			return scheduled.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("once schedule %s already passed", scheduled.Format(time.RFC3339))

	case "daily":
		hour, minute, err := parseClock(rec.Time)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, time.UTC)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case "weekly":
		hour, minute, err := parseClock(rec.Time)
		if err != nil {
			return time.Time{}, err
		}
		if len(rec.Weekdays) == 0 {
			return time.Time{}, fmt.Errorf("weekly schedule needs weekdays")
		}
		days := append([]int(nil), rec.Weekdays...)
		sort.Ints(days)
		for _, d := range days {
			if d < 0 || d > 6 {
				return time.Time{}, fmt.Errorf("weekday %d out of range", d)
			}
		}
		// Walk forward at most a week plus one day.
		for i := 0; i <= 7; i++ {
			day := after.AddDate(0, 0, i)
			candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, time.UTC)
			if !candidate.After(after) {
				continue
			}
			for _, d := range days {
				if int(candidate.Weekday()) == d {
					return candidate, nil
				}
			}
		}
		return time.Time{}, fmt.Errorf("no weekly fire found")

	case "monthly":
		hour, minute, err := parseClock(rec.Time)
		if err != nil {
			return time.Time{}, err
		}
		if rec.DayOfMonth < 1 || rec.DayOfMonth > 31 {
			return time.Time{}, fmt.Errorf("day_of_month %d out of range", rec.DayOfMonth)
		}
		// Months without the day (e.g. the 31st in April) are skipped.
		for i := 0; i < 13; i++ {
			month := time.Date(after.Year(), after.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, i, 0)
			if rec.DayOfMonth > daysIn(month) {
				continue
			}
			candidate := time.Date(month.Year(), month.Month(), rec.DayOfMonth, hour, minute, 0, 0, time.UTC)
			if candidate.After(after) {
				return candidate, nil
			}
		}
		return time.Time{}, fmt.Errorf("no monthly fire found")

	case "cron":
		if !gronx.New().IsValid(rec.CronExpr) {
			return time.Time{}, fmt.Errorf("invalid cron expression %q", rec.CronExpr)
		}
		next, err := gronx.NextTickAfter(rec.CronExpr, after, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron %q: %w", rec.CronExpr, err)
		}
		return next.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unknown recurrence kind %q", rec.Kind)
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("time %q: want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

func daysIn(month time.Time) int {
	first := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, -1).Day()
}
