package envelope

import (
	"fmt"
	"strings"
)

// Traceparent is a parsed W3C Trace Context v00 header value.
type Traceparent struct {
	TraceID string
	SpanID  string
	Flags   byte
}

const traceparentLen = 55 // "00-" + 32 + "-" + 16 + "-" + 2

// ParseTraceparent validates and splits a traceparent string. Only version 00
// is accepted; anything else is treated as malformed so the consumer starts a
// fresh root trace.
func ParseTraceparent(raw string) (Traceparent, error) {
	value := strings.TrimSpace(raw)
	if len(value) != traceparentLen {
		return Traceparent{}, fmt.Errorf("traceparent: length %d, want %d", len(value), traceparentLen)
	}
	parts := strings.Split(value, "-")
	if len(parts) != 4 {
		return Traceparent{}, fmt.Errorf("traceparent: %d segments, want 4", len(parts))
	}
	if parts[0] != "00" {
		return Traceparent{}, fmt.Errorf("traceparent: unsupported version %q", parts[0])
	}
	if len(parts[1]) != 32 || !isLowerHex(parts[1]) {
		return Traceparent{}, fmt.Errorf("traceparent: malformed trace id %q", parts[1])
	}
	if parts[1] == strings.Repeat("0", 32) {
		return Traceparent{}, fmt.Errorf("traceparent: zero trace id")
	}
	if len(parts[2]) != 16 || !isLowerHex(parts[2]) {
		return Traceparent{}, fmt.Errorf("traceparent: malformed span id %q", parts[2])
	}
	if parts[2] == strings.Repeat("0", 16) {
		return Traceparent{}, fmt.Errorf("traceparent: zero span id")
	}
	if len(parts[3]) != 2 || !isLowerHex(parts[3]) {
		return Traceparent{}, fmt.Errorf("traceparent: malformed flags %q", parts[3])
	}
	return Traceparent{
		TraceID: parts[1],
		SpanID:  parts[2],
		Flags:   hexByte(parts[3]),
	}, nil
}

// String renders the traceparent in canonical v00 form.
func (t Traceparent) String() string {
	return fmt.Sprintf("00-%s-%s-%02x", t.TraceID, t.SpanID, t.Flags)
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func hexByte(s string) byte {
	return nibble(s[0])<<4 | nibble(s[1])
}

func nibble(c byte) byte {
	if c >= 'a' {
		return c - 'a' + 10
	}
	return c - '0'
}
