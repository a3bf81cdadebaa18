// Package util holds small helpers shared by the provider clients.
package util

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLen bounds response bodies quoted in error messages.
const DefaultMaxLen = 200

// Truncate shortens s to at most maxLen bytes without splitting a UTF-8
// sequence, and notes the original size. Surrounding whitespace is dropped.
func Truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is Truncate over a response body with DefaultMaxLen.
func TruncateBytes(b []byte) string {
	return Truncate(string(b), DefaultMaxLen)
}
