package ltest

import (
	"crypto/sha256"
	"math/rand/v2"
	"testing"
)

// RandomData returns sz bytes of pseudorandom data.
//
// The stream is seeded from the test's name, so a given test
// always sees the same bytes while distinct tests see distinct
// ones, with no seed bookkeeping in the tests themselves.
func RandomData(t *testing.T, sz int) []byte {
	// Hashing the name produces exactly the 32 bytes
	// the chacha8 seed wants, whatever the name's length.
	seed := sha256.Sum256([]byte(t.Name()))

	out := make([]byte, sz)
	if _, err := rand.NewChaCha8(seed).Read(out); err != nil {
		panic(err)
	}
	return out
}
