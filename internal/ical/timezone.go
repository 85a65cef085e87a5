package ical

import (
	"fmt"
	"strings"
	"time"
)

const (
	layoutUTC      = "20060102T150405Z"
	layoutFloating = "20060102T150405"
	layoutDate     = "20060102"
)

// DateValue is a normalized DTSTART/DTEND value. Timed values carry a UTC
// instant; all-day values carry a plain date (midnight UTC) and AllDay set.
// All-day values are never converted through a zone.
type DateValue struct {
	Time   time.Time
	AllDay bool
}

// IsZero reports whether the value is unset.
func (d DateValue) IsZero() bool {
	return d.Time.IsZero()
}

// LocalToUTC interprets the wall-clock fields of t in the named IANA zone
// and returns the corresponding UTC instant. The zone's DST rules decide
// the offset for that wall-clock time.
func LocalToUTC(t time.Time, zone string) (time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load zone %s: %w", zone, err)
	}
	local := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	return local.UTC(), nil
}

// UTCToLocal renders a UTC instant as wall-clock time in the named zone.
func UTCToLocal(t time.Time, zone string) (time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load zone %s: %w", zone, err)
	}
	return t.In(loc), nil
}

// ParseDate normalizes an iCalendar date or date-time value. params is the
// raw parameter list of the property ("TZID=America/New_York",
// "VALUE=DATE", possibly several separated by semicolons). Unparseable
// input degrades to a zero value and an error; callers keep the raw
// document as the source of truth and must not treat this as fatal.
func ParseDate(value, params string) (DateValue, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DateValue{}, fmt.Errorf("empty date value")
	}

	if hasParam(params, "VALUE", "DATE") || !strings.Contains(value, "T") {
		t, err := time.Parse(layoutDate, value)
		if err != nil {
			return DateValue{}, fmt.Errorf("parse date %q: %w", value, err)
		}
		return DateValue{Time: t, AllDay: true}, nil
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(layoutUTC, value)
		if err != nil {
			return DateValue{}, fmt.Errorf("parse utc date-time %q: %w", value, err)
		}
		return DateValue{Time: t}, nil
	}

	wall, err := time.Parse(layoutFloating, value)
	if err != nil {
		return DateValue{}, fmt.Errorf("parse date-time %q: %w", value, err)
	}

	if tzid := paramValue(params, "TZID"); tzid != "" {
		utc, err := LocalToUTC(wall, tzid)
		if err != nil {
			return DateValue{}, err
		}
		return DateValue{Time: utc}, nil
	}

	// Floating time: treated as UTC so the canonical form stays unambiguous.
	return DateValue{Time: wall.UTC()}, nil
}

// FormatDate renders a normalized value back to iCalendar form.
func FormatDate(d DateValue) string {
	if d.AllDay {
		return d.Time.Format(layoutDate)
	}
	return d.Time.UTC().Format(layoutUTC)
}

func hasParam(params, name, want string) bool {
	return strings.EqualFold(paramValue(params, name), want)
}

func paramValue(params, name string) string {
	for _, part := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(part, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return ""
}
