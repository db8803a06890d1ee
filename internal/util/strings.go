// Package util provides common utility functions used across the authkit
// library. These utilities handle string manipulation and normalization
// that don't fit into domain-specific packages.
package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Returns the original string if it's shorter than maxLen,
// otherwise returns the first maxLen characters. This prevents index out
// of bounds errors when logging identifiers, where only a prefix should
// be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeEmail lowercases and trims an email address for comparison and
// index lookup. Uniqueness of emails is case-insensitive across the user
// store, so every lookup path must normalize the same way.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeURL normalizes a URL for comparison by removing trailing
// slashes, so configured base URLs with and without a trailing slash are
// considered equivalent.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
