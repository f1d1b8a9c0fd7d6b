// Package derive turns a product seed into reproducible randomness.
//
// Stream mode yields one value per nonce from HMAC-SHA256 keyed with the
// seed. Positional mode reads the seed as one big integer and extracts fixed
// ticket positions from its base-100 digits. Both are pure functions of
// their inputs and use a fixed byte order so any platform reproduces them.
package derive

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// DrawWidth is the number of digest bytes used for a stream draw.
const DrawWidth = 8

// twoTo64 is the divisor that maps a draw into [0,1).
const twoTo64 = 18446744073709551616.0

// Draw returns the first 8 bytes of HMAC-SHA256(seed, bigendian(nonce))
// as an unsigned integer.
func Draw(seed []byte, nonce int64) uint64 {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(nonce))
	mac := hmac.New(sha256.New, seed)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint64(sum[:DrawWidth])
}

// RandomValue maps a draw into [0,1). It is informational: allocation
// compares the integer draw exactly.
func RandomValue(draw uint64) float64 {
	// keep 53 bits so the float never rounds up to 1.0
	return float64(draw>>11) / (twoTo64 / 2048)
}

// DrawHex renders a draw as the 16 hex characters stored in records.
func DrawHex(draw uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], draw)
	return hex.EncodeToString(b[:])
}

// ParseDrawHex is the inverse of DrawHex.
func ParseDrawHex(s string) (uint64, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("draw: %w", err)
	}
	if len(b) != DrawWidth {
		return 0, fmt.Errorf("draw: expected %d bytes, got %d", DrawWidth, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
