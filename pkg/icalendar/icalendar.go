// Package icalendar is a minimal RFC 5545 VEVENT reader/writer — just
// enough of iCalendar for a CalDAV calendar collection to store and
// filter events. There is no iCalendar library in the example corpus
// (and no general one is idiomatic enough to justify the dependency for
// this narrow a slice of the format), so this is hand-rolled, the same
// line-oriented way the original CalDAV handler builds and scans VEVENT
// blocks.
package icalendar

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// dateTimeLayout is the "floating"/UTC form most CalDAV clients send:
// basic ISO 8601 with no separators, optionally suffixed with Z.
const dateTimeLayout = "20060102T150405Z"
const dateTimeLayoutLocal = "20060102T150405"

// Event is a single VEVENT. RRule, Description and Location are optional.
type Event struct {
	UID          string
	Summary      string
	Description  string
	Location     string
	RRule        string
	DTStart      time.Time
	DTEnd        time.Time
	DTStamp      time.Time
	Created      time.Time
	LastModified time.Time
}

// Parse reads the first VEVENT block out of an iCalendar document. A
// document produced by this package's own Render parses back to the
// rendered field values (times in UTC, DTSTAMP as written); a
// client-submitted one only needs its VEVENT fields recognised.
func Parse(data []byte) (Event, error) {
	var e Event
	inEvent := false
	for _, line := range splitLines(data) {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "BEGIN:VEVENT":
			inEvent = true
			continue
		case line == "END:VEVENT":
			if e.UID == "" {
				return Event{}, fmt.Errorf("icalendar: VEVENT missing UID")
			}
			return e, nil
		case !inEvent:
			continue
		}

		name, value, ok := splitProperty(line)
		if !ok {
			continue
		}
		switch name {
		case "UID":
			e.UID = value
		case "SUMMARY":
			e.Summary = unescapeText(value)
		case "DESCRIPTION":
			e.Description = unescapeText(value)
		case "LOCATION":
			e.Location = unescapeText(value)
		case "RRULE":
			e.RRule = value
		case "DTSTART":
			e.DTStart = parseDateTime(value)
		case "DTEND":
			e.DTEnd = parseDateTime(value)
		case "DTSTAMP":
			e.DTStamp = parseDateTime(value)
		case "CREATED":
			e.Created = parseDateTime(value)
		case "LAST-MODIFIED":
			e.LastModified = parseDateTime(value)
		}
	}
	return Event{}, fmt.Errorf("icalendar: no VEVENT block found")
}

// Render produces a complete VCALENDAR document wrapping a single VEVENT,
// CRLF-terminated per RFC 5545.
func Render(e Event) []byte {
	var buf bytes.Buffer
	buf.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//OxiCloud//CalDAV//EN\r\n")
	buf.WriteString("BEGIN:VEVENT\r\n")
	fmt.Fprintf(&buf, "UID:%s\r\n", e.UID)
	fmt.Fprintf(&buf, "SUMMARY:%s\r\n", escapeText(e.Summary))
	if !e.DTStart.IsZero() {
		fmt.Fprintf(&buf, "DTSTART:%s\r\n", formatDateTime(e.DTStart))
	}
	if !e.DTEnd.IsZero() {
		fmt.Fprintf(&buf, "DTEND:%s\r\n", formatDateTime(e.DTEnd))
	}
	if e.Description != "" {
		fmt.Fprintf(&buf, "DESCRIPTION:%s\r\n", escapeText(e.Description))
	}
	if e.Location != "" {
		fmt.Fprintf(&buf, "LOCATION:%s\r\n", escapeText(e.Location))
	}
	if e.RRule != "" {
		fmt.Fprintf(&buf, "RRULE:%s\r\n", e.RRule)
	}
	stamp := e.DTStamp
	if stamp.IsZero() {
		stamp = e.Created
	}
	if !stamp.IsZero() {
		fmt.Fprintf(&buf, "DTSTAMP:%s\r\n", formatDateTime(stamp))
	}
	if !e.Created.IsZero() {
		fmt.Fprintf(&buf, "CREATED:%s\r\n", formatDateTime(e.Created))
	}
	if !e.LastModified.IsZero() {
		fmt.Fprintf(&buf, "LAST-MODIFIED:%s\r\n", formatDateTime(e.LastModified))
	}
	buf.WriteString("END:VEVENT\r\nEND:VCALENDAR\r\n")
	return buf.Bytes()
}

// InRange reports whether the event overlaps [start, end), the semantics
// CALDAV:time-range filters use.
func (e Event) InRange(start, end time.Time) bool {
	eventEnd := e.DTEnd
	if eventEnd.IsZero() {
		eventEnd = e.DTStart
	}
	return e.DTStart.Before(end) && eventEnd.After(start)
}

func splitLines(data []byte) []string {
	return strings.Split(string(data), "\n")
}

func splitProperty(line string) (name, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	// Strip any ;PARAM=value segments from the property name.
	name = line[:i]
	if j := strings.IndexByte(name, ';'); j >= 0 {
		name = name[:j]
	}
	return strings.ToUpper(name), line[i+1:], true
}

func parseDateTime(value string) time.Time {
	if t, err := time.Parse(dateTimeLayout, value); err == nil {
		return t
	}
	if t, err := time.Parse(dateTimeLayoutLocal, value); err == nil {
		return t
	}
	if t, err := time.Parse("20060102", value); err == nil {
		return t
	}
	return time.Time{}
}

func formatDateTime(t time.Time) string {
	return t.UTC().Format(dateTimeLayout)
}

func escapeText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, "\n", `\n`)
	return r.Replace(s)
}

func unescapeText(s string) string {
	r := strings.NewReplacer(`\n`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)
	return r.Replace(s)
}
