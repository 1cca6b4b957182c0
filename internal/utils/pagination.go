// Package utils provides tiny helpers with no domain coupling.
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def when s is empty or not a
// valid integer. Used for page and limit query parameters.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
