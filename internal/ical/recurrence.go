package ical

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// OccursInRange reports whether a recurring event starting at start has at
// least one occurrence inside [from, to]. Events without a rule match only
// when their own start falls inside the range.
func OccursInRange(rruleStr string, start, from, to time.Time) (bool, error) {
	if rruleStr == "" {
		return !start.Before(from) && !start.After(to), nil
	}

	r, err := rrule.StrToRRule(rruleStr)
	if err != nil {
		return false, fmt.Errorf("parse rrule %q: %w", rruleStr, err)
	}
	r.DTStart(start)

	return len(r.Between(from, to, true)) > 0, nil
}

// Occurrences expands a recurrence rule into concrete start times inside
// [from, to], capped at limit (0 means no cap).
func Occurrences(rruleStr string, start, from, to time.Time, limit int) ([]time.Time, error) {
	if rruleStr == "" {
		if !start.Before(from) && !start.After(to) {
			return []time.Time{start}, nil
		}
		return nil, nil
	}

	r, err := rrule.StrToRRule(rruleStr)
	if err != nil {
		return nil, fmt.Errorf("parse rrule %q: %w", rruleStr, err)
	}
	r.DTStart(start)

	occ := r.Between(from, to, true)
	if limit > 0 && len(occ) > limit {
		occ = occ[:limit]
	}
	return occ, nil
}
