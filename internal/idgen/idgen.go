// Package idgen provides random identifiers for ledger entries, API keys
// and requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// WithPrefix returns prefix followed by 24 random hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Sortable returns prefix + base36 millisecond timestamp + 16 random hex
// chars, so IDs generated later compare greater.
func Sortable(prefix string, now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 36)
	// Left-pad to keep lexical order stable until the year 5188.
	for len(ts) < 9 {
		ts = "0" + ts
	}
	return prefix + ts + Hex(8)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
