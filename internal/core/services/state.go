package services

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

// Ensure RandomStateGenerator implements StateGenerator
var _ driven.StateGenerator = (*RandomStateGenerator)(nil)

const (
	// DefaultStateLength is the CSRF state length in characters.
	DefaultStateLength = 32

	stateAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// stateByteLimit is the largest multiple of len(stateAlphabet) below 256.
	// Bytes at or above it are rejected to keep the distribution uniform.
	stateByteLimit = 256 - 256%len(stateAlphabet)
)

// RandomStateGenerator generates alphanumeric CSRF states from a
// cryptographically secure source.
type RandomStateGenerator struct {
	length int
	source io.Reader
}

// NewStateGenerator creates a generator producing DefaultStateLength states.
func NewStateGenerator() *RandomStateGenerator {
	return &RandomStateGenerator{length: DefaultStateLength, source: rand.Reader}
}

// NewStateGeneratorWithLength creates a generator with a custom state length.
func NewStateGeneratorWithLength(length int) *RandomStateGenerator {
	if length <= 0 {
		length = DefaultStateLength
	}
	return &RandomStateGenerator{length: length, source: rand.Reader}
}

// Generate returns a new random state string.
func (g *RandomStateGenerator) Generate() (string, error) {
	out := make([]byte, 0, g.length)
	buf := make([]byte, g.length)
	for len(out) < g.length {
		if _, err := io.ReadFull(g.source, buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= stateByteLimit {
				continue
			}
			out = append(out, stateAlphabet[int(b)%len(stateAlphabet)])
			if len(out) == g.length {
				break
			}
		}
	}
	return string(out), nil
}
