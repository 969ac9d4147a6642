package util

import "unicode/utf8"

// Truncate shortens s to at most n bytes without splitting a rune,
// appending "…" when something was cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// Tail keeps the last n bytes of s (rune aligned). Process output is most
// useful from the end, where the error usually is.
func Tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "…" + s[start:]
}
