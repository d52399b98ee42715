package util

import (
	"fmt"
	"unicode/utf8"
)

// DefaultPayloadMaxLen bounds a single log payload embedded in an LLM prompt.
const DefaultPayloadMaxLen = 4000

// Truncate shortens s to at most maxLen bytes without splitting a UTF-8
// sequence and notes the original size.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// Payload renders a raw JSON column for a prompt, using DefaultPayloadMaxLen.
// Empty and null payloads render as "null".
func Payload(raw []byte) string {
	if len(raw) == 0 {
		return "null"
	}
	return Truncate(string(raw), DefaultPayloadMaxLen)
}
