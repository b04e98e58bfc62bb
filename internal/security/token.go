package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"runtime"

	"github.com/google/uuid"
)

// NewID returns a random (version 4) UUID drawn from r. Identifiers are
// never sequential so they cannot be guessed from one another.
func NewID(r io.Reader) (string, error) {
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return "", fmt.Errorf("%w: generate id: %v", ErrRNG, err)
	}
	return id.String(), nil
}

// ReadRandom fills b from r. A short read is a failure: weak or partial
// randomness is never substituted.
func ReadRandom(r io.Reader, b []byte) error {
	if _, err := io.ReadFull(r, b); err != nil {
		return fmt.Errorf("%w: %v", ErrRNG, err)
	}
	return nil
}

// Fingerprint returns the SHA-256 hex fingerprint of a public key.
func Fingerprint(pub []byte) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:])
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
