// Package vcard is a minimal RFC 6350 vCard reader/writer, covering the
// handful of properties a CardDAV address book needs (FN, UID, EMAIL,
// TEL, ORG). As with pkg/icalendar, no vCard library in the example
// corpus fits this narrow a slice of the format, so this is hand-rolled
// line scanning, matching the original CardDAV handler's own approach.
package vcard

import (
	"bytes"
	"fmt"
	"strings"
)

// Contact is a single VCARD.
type Contact struct {
	UID      string
	FullName string
	Email    string
	Tel      string
	Org      string
}

// Parse reads the first VCARD block out of a vCard document.
func Parse(data []byte) (Contact, error) {
	var c Contact
	inCard := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "BEGIN:VCARD":
			inCard = true
			continue
		case line == "END:VCARD":
			if c.UID == "" {
				return Contact{}, fmt.Errorf("vcard: VCARD missing UID")
			}
			return c, nil
		case !inCard:
			continue
		}

		name, value, ok := splitProperty(line)
		if !ok {
			continue
		}
		switch name {
		case "UID":
			c.UID = value
		case "FN":
			c.FullName = value
		case "EMAIL":
			c.Email = value
		case "TEL":
			c.Tel = value
		case "ORG":
			c.Org = value
		}
	}
	return Contact{}, fmt.Errorf("vcard: no VCARD block found")
}

// Render produces a complete VCARD document, CRLF-terminated per RFC 6350.
func Render(c Contact) []byte {
	var buf bytes.Buffer
	buf.WriteString("BEGIN:VCARD\r\nVERSION:3.0\r\n")
	fmt.Fprintf(&buf, "UID:%s\r\n", c.UID)
	fmt.Fprintf(&buf, "FN:%s\r\n", c.FullName)
	if c.Email != "" {
		fmt.Fprintf(&buf, "EMAIL:%s\r\n", c.Email)
	}
	if c.Tel != "" {
		fmt.Fprintf(&buf, "TEL:%s\r\n", c.Tel)
	}
	if c.Org != "" {
		fmt.Fprintf(&buf, "ORG:%s\r\n", c.Org)
	}
	buf.WriteString("END:VCARD\r\n")
	return buf.Bytes()
}

func splitProperty(line string) (name, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	name = line[:i]
	if j := strings.IndexByte(name, ';'); j >= 0 {
		name = name[:j]
	}
	return strings.ToUpper(name), line[i+1:], true
}
