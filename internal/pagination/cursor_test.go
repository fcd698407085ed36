package pagination

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	for _, before := range []uint32{1, 42, 1<<32 - 1} {
		encoded := Encode(before)
		assert.NotEmpty(t, encoded)

		got, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, before, got)
	}
}

func TestDecode_Empty(t *testing.T) {
	before, err := Decode("")
	assert.NoError(t, err)
	assert.Zero(t, before)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"not base64", "!!!"},
		{"missing prefix", base64.RawURLEncoding.EncodeToString([]byte("17"))},
		{"not a number", base64.RawURLEncoding.EncodeToString([]byte("before:abc"))},
		{"zero", base64.RawURLEncoding.EncodeToString([]byte("before:0"))},
		{"overflow", base64.RawURLEncoding.EncodeToString([]byte("before:4294967296"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.cursor)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestLimit(t *testing.T) {
	assert.Equal(t, 50, Limit("", 50, 200))
	assert.Equal(t, 50, Limit("abc", 50, 200))
	assert.Equal(t, 50, Limit("-3", 50, 200))
	assert.Equal(t, 10, Limit("10", 50, 200))
	assert.Equal(t, 200, Limit("1000", 50, 200))
}
