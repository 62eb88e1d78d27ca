// Package schedule maps human-entered medication time labels onto concrete
// local clock instants and decides whether a treatment window covers a given
// moment. It performs no I/O; the engine composes it with stored state.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"medtrack/internal/domain"
)

// ParseClock converts a time label into an (hour, minute) pair. Labels
// carrying an "AM" or "PM" token (case-sensitive, space-separated from the
// numeric part) are read as 12-hour clock: PM adds 12 unless the hour is 12,
// and 12 AM becomes 0. Everything else is read as 24-hour "HH:MM".
//
// Values are deliberately not range-checked; callers drop labels that fail to
// parse and pass the rest through as-is.
func ParseClock(label string) (int, int, error) {
	if strings.Contains(label, "AM") || strings.Contains(label, "PM") {
		parts := strings.SplitN(label, " ", 2)
		if len(parts) != 2 {
			return 0, 0, fmt.Errorf("time label %q: period not separated from time", label)
		}
		hour, minute, err := splitClock(parts[0])
		if err != nil {
			return 0, 0, err
		}
		switch {
		case parts[1] == "PM" && hour != 12:
			hour += 12
		case parts[1] == "AM" && hour == 12:
			hour = 0
		}
		return hour, minute, nil
	}
	return splitClock(label)
}

func splitClock(s string) (int, int, error) {
	hm := strings.SplitN(s, ":", 2)
	if len(hm) != 2 {
		return 0, 0, fmt.Errorf("time label %q: expected HH:MM", s)
	}
	hour, err := strconv.Atoi(hm[0])
	if err != nil {
		return 0, 0, fmt.Errorf("time label %q: %w", s, err)
	}
	minute, err := strconv.Atoi(hm[1])
	if err != nil {
		return 0, 0, fmt.Errorf("time label %q: %w", s, err)
	}
	return hour, minute, nil
}

// Active reports whether now falls inside the treatment window starting at
// start and running for durationDays. domain.DurationIndefinite means no
// upper bound. The window end is start plus durationDays times 24h, not
// calendar-aware. A start date in the future still counts as active; only
// the end of the window excludes a medication.
func Active(now, start time.Time, durationDays int) bool {
	if durationDays == domain.DurationIndefinite {
		return true
	}
	end := start.Add(time.Duration(durationDays) * 24 * time.Hour)
	return !now.After(end)
}

// InstantForDay resolves a single time label to its occurrence on the given
// calendar day, in that day's location, with seconds zeroed.
func InstantForDay(label string, day time.Time) (time.Time, error) {
	hour, minute, err := ParseClock(label)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location()), nil
}

// InstantsForDay expands time labels into that day's scheduled instants,
// one per label. Labels that fail to parse are silently dropped.
func InstantsForDay(labels []string, day time.Time) []time.Time {
	var out []time.Time
	for _, label := range labels {
		at, err := InstantForDay(label, day)
		if err != nil {
			continue
		}
		out = append(out, at)
	}
	return out
}

// SameSlot reports whether two instants land on the same local calendar day
// at the same hour and minute. This is the identity under which dose events
// are deduplicated.
func SameSlot(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd && a.Hour() == b.Hour() && a.Minute() == b.Minute()
}
