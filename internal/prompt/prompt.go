// Package prompt holds small formatting helpers shared by the packages that
// build Claude prompts.
package prompt

import "strings"

// FormatSet renders a string set for prompt text, with an explicit marker
// for empty so the model never sees a blank field.
func FormatSet(values []string) string {
	if len(values) == 0 {
		return "(none)"
	}
	return strings.Join(values, ", ")
}

// Truncate caps prompt fragments at n bytes to bound token cost.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
