package util

import "strings"

// SafeTruncate returns at most the first maxLen bytes of s. It never
// panics: a string shorter than maxLen is returned unchanged, and a
// negative maxLen yields the empty string. Used when logging token and
// code prefixes so the full secret never reaches the log stream.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                 // "short"
//	SafeTruncate("test", -1)                  // ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so issuer and RFC 8707 resource
// URLs compare equal regardless of how callers wrote them.
//
// Example:
//
//	NormalizeURL("https://example.com/")   // "https://example.com"
//	NormalizeURL("https://example.com")    // "https://example.com"
//	NormalizeURL("https://example.com///") // "https://example.com"
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
