// Package pagination provides cursor-based pagination utilities.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

const cursorPrefix = "before:"

// Encode returns an opaque cursor resuming a descending id scan at
// before, exclusive.
func Encode(before uint32) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatUint(uint64(before), 10)))
}

// Decode parses an opaque cursor string. Empty input means "start from the
// newest" and decodes to 0.
func Decode(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	rest, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	before, err := strconv.ParseUint(rest, 10, 32)
	if err != nil || before == 0 {
		return 0, ErrInvalidCursor
	}
	return uint32(before), nil
}

// Limit parses a ?limit= value. Missing, malformed, or non-positive values
// give def; values above max are clamped.
func Limit(raw string, def, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
