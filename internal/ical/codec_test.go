package ical

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Test//EN\r\n" +
	"BEGIN:VTIMEZONE\r\n" +
	"TZID:America/New_York\r\n" +
	"BEGIN:STANDARD\r\n" +
	"DTSTART:19701101T020000\r\n" +
	"TZOFFSETFROM:-0400\r\n" +
	"TZOFFSETTO:-0500\r\n" +
	"TZNAME:EST\r\n" +
	"END:STANDARD\r\n" +
	"END:VTIMEZONE\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:evt-1@example.com\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART;TZID=America/New_York:20260130T090000\r\n" +
	"DTEND;TZID=America/New_York:20260130T100000\r\n" +
	"SUMMARY:Team standup\\, weekly\r\n" +
	"DESCRIPTION:Agenda: https://example.com/agenda?id=42\r\n" +
	"LOCATION:Room 4\r\n" +
	"STATUS:CONFIRMED\r\n" +
	"X-CUSTOM-PROP:keep me\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestParseExtractsEventFields(t *testing.T) {
	f, err := Parse(sampleDoc)
	require.NoError(t, err)

	assert.Equal(t, "evt-1@example.com", f.UID)
	assert.Equal(t, "Team standup, weekly", f.Summary)
	assert.Equal(t, "Agenda: https://example.com/agenda?id=42", f.Description)
	assert.Equal(t, "Room 4", f.Location)
	assert.Equal(t, "CONFIRMED", f.Status)
	assert.False(t, f.Start.AllDay)
	assert.Equal(t, "2026-01-30T14:00:00Z", f.Start.Time.Format(time.RFC3339))
	assert.Equal(t, "2026-01-30T15:00:00Z", f.End.Time.Format(time.RFC3339))
}

func TestParseIgnoresTimezoneBlockProperties(t *testing.T) {
	// The VTIMEZONE block carries its own DTSTART; extraction must come
	// from the VEVENT only.
	f, err := Parse(sampleDoc)
	require.NoError(t, err)
	assert.Equal(t, 2026, f.Start.Time.Year())
}

func TestParseUnfoldsContinuationLines(t *testing.T) {
	doc := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:folded-1\r\n" +
		"DTSTART:20260130T090000Z\r\n" +
		"SUMMARY:A very long su\r\n" +
		" mmary line\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	f, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, "A very long summary line", f.Summary)
}

func TestParseAllDayEvent(t *testing.T) {
	doc := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:allday-1\r\n" +
		"DTSTART;VALUE=DATE:20260214\r\n" +
		"SUMMARY:Holiday\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	f, err := Parse(doc)
	require.NoError(t, err)
	assert.True(t, f.Start.AllDay)
	assert.Equal(t, "20260214", FormatDate(f.Start))
}

func TestGenerateParseIdempotence(t *testing.T) {
	f1, err := Parse(sampleDoc)
	require.NoError(t, err)

	f2, err := Parse(Generate(f1))
	require.NoError(t, err)

	assert.Equal(t, f1.UID, f2.UID)
	assert.Equal(t, f1.Summary, f2.Summary)
	assert.Equal(t, f1.Description, f2.Description)
	assert.Equal(t, f1.Location, f2.Location)
	assert.Equal(t, f1.Status, f2.Status)
	assert.True(t, f1.Start.Time.Equal(f2.Start.Time))
	assert.True(t, f1.End.Time.Equal(f2.End.Time))
}

func TestGenerateOmitsAbsentOptionals(t *testing.T) {
	doc := Generate(EventFields{
		UID:     "gen-1",
		Summary: "Minimal",
		Start:   DateValue{Time: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	})

	assert.Contains(t, doc, "UID:gen-1\r\n")
	assert.Contains(t, doc, "DTSTAMP:")
	assert.Contains(t, doc, "DTSTART:20260301T120000Z\r\n")
	assert.NotContains(t, doc, "DESCRIPTION")
	assert.NotContains(t, doc, "LOCATION")
	assert.NotContains(t, doc, "DTEND")
}

func TestPatchRewritesOnlyNamedProperties(t *testing.T) {
	patched := Patch(sampleDoc, map[string]Property{
		"SUMMARY": TextProperty("Renamed; meeting"),
	})

	f, err := Parse(patched)
	require.NoError(t, err)
	assert.Equal(t, "Renamed; meeting", f.Summary)
	assert.Equal(t, "Agenda: https://example.com/agenda?id=42", f.Description)
	assert.Equal(t, "Room 4", f.Location)

	// Unknown properties survive untouched.
	assert.Contains(t, patched, "X-CUSTOM-PROP:keep me")
	// The timezone block passes through verbatim.
	assert.Contains(t, patched, "BEGIN:VTIMEZONE")
	assert.Contains(t, patched, "TZNAME:EST")
	// DTSTAMP is always replaced.
	assert.NotContains(t, patched, "DTSTAMP:20260101T000000Z")
	assert.Contains(t, patched, "DTSTAMP:")
}

func TestPatchAppendsMissingProperty(t *testing.T) {
	doc := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:no-loc\r\n" +
		"DTSTART:20260130T090000Z\r\n" +
		"SUMMARY:No location yet\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	patched := Patch(doc, map[string]Property{
		"LOCATION": TextProperty("Basement"),
	})

	f, err := Parse(patched)
	require.NoError(t, err)
	assert.Equal(t, "Basement", f.Location)
	assert.Equal(t, "No location yet", f.Summary)
}

func TestPatchLeavesAlarmBlockUntouched(t *testing.T) {
	doc := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:with-alarm\r\n" +
		"DTSTAMP:20260101T000000Z\r\n" +
		"DTSTART:20260130T090000Z\r\n" +
		"SUMMARY:Dentist\r\n" +
		"BEGIN:VALARM\r\n" +
		"ACTION:DISPLAY\r\n" +
		"DESCRIPTION:Reminder popup text\r\n" +
		"TRIGGER:-PT15M\r\n" +
		"END:VALARM\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	patched := Patch(doc, map[string]Property{
		"DESCRIPTION": TextProperty("New event description"),
	})

	// The alarm's DESCRIPTION is not the event's DESCRIPTION; the event
	// gets the property appended at top level, the alarm keeps its own.
	assert.Contains(t, patched, "DESCRIPTION:Reminder popup text")
	assert.Contains(t, patched, "DESCRIPTION:New event description")
	assert.Contains(t, patched, "TRIGGER:-PT15M")
	assert.Contains(t, patched, "BEGIN:VALARM")
	assert.Contains(t, patched, "END:VALARM")

	f, err := Parse(patched)
	require.NoError(t, err)
	assert.Equal(t, "New event description", f.Description)
	assert.Equal(t, "Dentist", f.Summary)
}

func TestPatchDateProperty(t *testing.T) {
	newStart := DateValue{Time: time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)}
	patched := Patch(sampleDoc, map[string]Property{
		"DTSTART": DateProperty(newStart),
	})

	f, err := Parse(patched)
	require.NoError(t, err)
	assert.True(t, f.Start.Time.Equal(newStart.Time))
	// DTEND was not in the patch set and keeps its old value.
	assert.Equal(t, "2026-01-30T15:00:00Z", f.End.Time.Format(time.RFC3339))
}

func TestEscapeUnescapeInverse(t *testing.T) {
	inputs := []string{
		"plain",
		"comma, semicolon; backslash \\ newline\nend",
		"a;b,c\\d",
		"trailing backslash\\",
		"",
	}
	for _, in := range inputs {
		assert.Equal(t, in, Unescape(Escape(in)), "input %q", in)
	}
}

func TestPropertyNameSplitsOnPrefixOnly(t *testing.T) {
	assert.Equal(t, "DESCRIPTION", propertyName("DESCRIPTION:see https://example.com:8080/x"))
	assert.Equal(t, "DTSTART", propertyName("DTSTART;TZID=America/New_York:20260130T090000"))
	assert.Equal(t, "X-CUSTOM-PROP", propertyName("X-CUSTOM-PROP:keep me"))
}

func TestOccursInRange(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC) // a Monday

	ok, err := OccursInRange("FREQ=WEEKLY;BYDAY=MO", start,
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = OccursInRange("", start,
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok, "non-recurring event outside range")

	occ, err := Occurrences("FREQ=DAILY", start,
		time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 9, 23, 59, 59, 0, time.UTC), 3)
	require.NoError(t, err)
	assert.Len(t, occ, 3)
}

func TestUnfold(t *testing.T) {
	lines := Unfold("A:1\r\nB:2\r\n continued\r\nC:3\r\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "B:2continued", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "C:"))
}
