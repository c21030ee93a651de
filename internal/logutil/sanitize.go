package logutil

import "strings"

// SanitizeForLog flattens a caller-provided string (session ids from
// URLs, command text) into a single log-safe line. Newlines and other
// control characters are replaced so log entries cannot be forged.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(' ')
		case r < 32:
			// drop other control characters
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
