package ical

import (
	"fmt"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
)

const prodID = "-//calsync//calsync-api//EN"

// EventFields is the structured view of one VEVENT. It is intentionally
// partial: properties this system does not model stay untouched in the raw
// document and survive edits through Patch.
type EventFields struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Start       DateValue
	End         DateValue
	Duration    string
	RRule       string
	Status      string
	Organizer   string
	Attendees   []string
}

// Parse extracts structured fields from an iCalendar document. Extraction is
// restricted to the event component, so colliding property names inside
// VTIMEZONE or VALARM blocks are ignored. Unparseable dates degrade to zero
// values rather than failing the whole document.
func Parse(doc string) (EventFields, error) {
	var out EventFields

	cal, err := ics.ParseCalendar(strings.NewReader(doc))
	if err != nil {
		return out, fmt.Errorf("parse ical: %w", err)
	}

	events := cal.Events()
	if len(events) == 0 {
		return out, fmt.Errorf("no VEVENT component")
	}
	ve := events[0]

	if p := ve.GetProperty(ics.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertySummary); p != nil {
		out.Summary = Unescape(p.Value)
	}
	if p := ve.GetProperty(ics.ComponentPropertyDescription); p != nil {
		out.Description = Unescape(p.Value)
	}
	if p := ve.GetProperty(ics.ComponentPropertyLocation); p != nil {
		out.Location = Unescape(p.Value)
	}
	if p := ve.GetProperty(ics.ComponentPropertyDtStart); p != nil {
		if v, err := ParseDate(p.Value, propParams(p)); err == nil {
			out.Start = v
		}
	}
	if p := ve.GetProperty(ics.ComponentPropertyDtEnd); p != nil {
		if v, err := ParseDate(p.Value, propParams(p)); err == nil {
			out.End = v
		}
	}
	if p := ve.GetProperty("DURATION"); p != nil {
		out.Duration = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertyRrule); p != nil {
		out.RRule = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertyStatus); p != nil {
		out.Status = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertyOrganizer); p != nil {
		out.Organizer = p.Value
	}
	for _, p := range ve.GetProperties(ics.ComponentPropertyAttendee) {
		out.Attendees = append(out.Attendees, p.Value)
	}

	return out, nil
}

func propParams(p *ics.IANAProperty) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	var parts []string
	for _, name := range []string{"VALUE", "TZID"} {
		if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
			parts = append(parts, name+"="+vs[0])
		}
	}
	return strings.Join(parts, ";")
}

// Generate emits a minimal valid document for the fields: required wrapper
// lines, a fresh DTSTAMP, required identity, escaped text. Optional
// properties with empty values are omitted.
func Generate(f EventFields) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:" + prodID + "\r\n")
	b.WriteString("BEGIN:VEVENT\r\n")
	b.WriteString("UID:" + f.UID + "\r\n")
	b.WriteString("DTSTAMP:" + time.Now().UTC().Format(layoutUTC) + "\r\n")
	b.WriteString(renderDate("DTSTART", f.Start) + "\r\n")
	if !f.End.IsZero() {
		b.WriteString(renderDate("DTEND", f.End) + "\r\n")
	}
	if f.Duration != "" {
		b.WriteString("DURATION:" + f.Duration + "\r\n")
	}
	b.WriteString("SUMMARY:" + Escape(f.Summary) + "\r\n")
	if f.Description != "" {
		b.WriteString("DESCRIPTION:" + Escape(f.Description) + "\r\n")
	}
	if f.Location != "" {
		b.WriteString("LOCATION:" + Escape(f.Location) + "\r\n")
	}
	if f.RRule != "" {
		b.WriteString("RRULE:" + f.RRule + "\r\n")
	}
	if f.Status != "" {
		b.WriteString("STATUS:" + f.Status + "\r\n")
	}
	if f.Organizer != "" {
		b.WriteString("ORGANIZER:" + f.Organizer + "\r\n")
	}
	for _, a := range f.Attendees {
		b.WriteString("ATTENDEE:" + a + "\r\n")
	}
	b.WriteString("END:VEVENT\r\n")
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

// Property is one patched property: optional parameters plus the final
// encoded value (text values must already be escaped by the caller or come
// through the helpers below).
type Property struct {
	Params string
	Value  string
}

// TextProperty builds a Property from plain text, escaping it.
func TextProperty(text string) Property {
	return Property{Value: Escape(text)}
}

// DateProperty builds a Property from a normalized date value.
func DateProperty(d DateValue) Property {
	if d.AllDay {
		return Property{Params: "VALUE=DATE", Value: d.Time.Format(layoutDate)}
	}
	return Property{Value: d.Time.UTC().Format(layoutUTC)}
}

// Patch rewrites only the named properties inside the event block of an
// existing document. Every other line, including properties unknown to this
// system, passes through verbatim; named properties not previously present
// are appended, and DTSTAMP is always replaced. This is the lossless
// round-trip guarantee.
func Patch(doc string, props map[string]Property) string {
	lines := Unfold(doc)

	todo := make(map[string]Property, len(props))
	for name, p := range props {
		todo[strings.ToUpper(name)] = p
	}

	stamp := "DTSTAMP:" + time.Now().UTC().Format(layoutUTC)
	stamped := false

	var out []string
	inEvent := false
	depth := 0 // components nested inside the event (VALARM etc.)
	for _, line := range lines {
		upper := strings.ToUpper(line)
		switch {
		case !inEvent && upper == "BEGIN:VEVENT":
			inEvent = true
			out = append(out, line)
			continue
		case inEvent && depth == 0 && upper == "END:VEVENT":
			// Named properties the event never had get appended here.
			for name, p := range todo {
				out = append(out, renderProperty(name, p))
			}
			todo = map[string]Property{}
			if !stamped {
				out = append(out, stamp)
				stamped = true
			}
			inEvent = false
			out = append(out, line)
			continue
		case inEvent && strings.HasPrefix(upper, "BEGIN:"):
			depth++
			out = append(out, line)
			continue
		case inEvent && depth > 0 && strings.HasPrefix(upper, "END:"):
			depth--
			out = append(out, line)
			continue
		}

		// Only top-level event properties are rewritten; an alarm's
		// DESCRIPTION is not the event's DESCRIPTION.
		if !inEvent || depth > 0 {
			out = append(out, line)
			continue
		}

		name := propertyName(line)
		if name == "DTSTAMP" {
			out = append(out, stamp)
			stamped = true
			continue
		}
		if p, ok := todo[name]; ok {
			out = append(out, renderProperty(name, p))
			delete(todo, name)
			continue
		}
		out = append(out, line)
	}

	return strings.Join(out, "\r\n") + "\r\n"
}

// propertyName returns the upper-cased property name of a content line.
// Only the name/parameter prefix is split off, so a colon inside the value
// (a URL in a description) is never mis-split.
func propertyName(line string) string {
	rest := line
	if i := strings.IndexAny(line, ";:"); i >= 0 {
		rest = line[:i]
	}
	return strings.ToUpper(strings.TrimSpace(rest))
}

func renderProperty(name string, p Property) string {
	if p.Params != "" {
		return name + ";" + p.Params + ":" + p.Value
	}
	return name + ":" + p.Value
}

func renderDate(name string, d DateValue) string {
	return renderProperty(name, DateProperty(d))
}

// Unfold splits a document into logical content lines, joining RFC 5545
// folded continuations (a line starting with space or tab appends verbatim
// to the previous line).
func Unfold(doc string) []string {
	raw := strings.ReplaceAll(doc, "\r\n", "\n")
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Escape backslash-escapes text per RFC 5545. Unescape is its exact inverse.
func Escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\n", `\n`)
	return r.Replace(s)
}

// Unescape reverses Escape.
func Unescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		case '\\', ';', ',':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
