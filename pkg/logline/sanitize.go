package logline

import "strings"

// Sanitizer normalizes a test label so it can be used as a lookup key.
type Sanitizer func(label string) string

// DefaultSanitizer trims the label and collapses runs of whitespace into a
// single space.
func DefaultSanitizer(label string) string {
	return strings.Join(strings.Fields(label), " ")
}
