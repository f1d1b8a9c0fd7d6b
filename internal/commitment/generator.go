// Package commitment produces product seeds and their public digests.
package commitment

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	// MinSeedBytes is the smallest seed accepted (256 bits).
	MinSeedBytes = 32
	// DefaultSeedBytes is 768 bits, about 231 decimal digits or 115
	// base-100 positional steps.
	DefaultSeedBytes = 96
)

// Seed is a freshly generated secret and its commitment.
type Seed struct {
	Value      []byte
	Commitment string
}

// Hex returns the seed as published on reveal.
func (s Seed) Hex() string { return hex.EncodeToString(s.Value) }

// Generator creates seeds from a cryptographic entropy source.
type Generator struct {
	size   int
	source io.Reader
}

// NewGenerator returns a generator producing seeds of size bytes.
func NewGenerator(size int) (*Generator, error) {
	if size == 0 {
		size = DefaultSeedBytes
	}
	if size < MinSeedBytes {
		return nil, fmt.Errorf("seed size %d below minimum %d bytes", size, MinSeedBytes)
	}
	return &Generator{size: size, source: rand.Reader}, nil
}

// Size is the seed length in bytes.
func (g *Generator) Size() int { return g.size }

// Generate reads a new seed and computes its commitment.
func (g *Generator) Generate() (Seed, error) {
	buf := make([]byte, g.size)
	if _, err := io.ReadFull(g.source, buf); err != nil {
		return Seed{}, fmt.Errorf("read seed entropy: %w", err)
	}
	return Seed{Value: buf, Commitment: Digest(buf)}, nil
}

// Digest is the public commitment of a seed: lowercase hex SHA-256.
func Digest(seed []byte) string {
	sum := sha256.Sum256(seed)
	return hex.EncodeToString(sum[:])
}

// DecodeSeed parses a hex seed, tolerating a 0x prefix and upper case.
func DecodeSeed(s string) ([]byte, error) {
	ss := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if ss == "" {
		return nil, fmt.Errorf("seed: empty string")
	}
	if len(ss)%2 != 0 {
		return nil, fmt.Errorf("seed: odd length")
	}
	b, err := hex.DecodeString(ss)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	return b, nil
}

// Check reports whether seed hashes to commitment.
func Check(seed []byte, commitment string) bool {
	want := strings.ToLower(strings.TrimPrefix(commitment, "0x"))
	got := Digest(seed)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
