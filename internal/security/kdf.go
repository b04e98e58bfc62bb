package security

import (
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const saltSize = 16

// Argon2id parameters (RFC 9106 second recommended option).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// DeriveKey stretches a password into a 256-bit key with Argon2id.
func DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, KeySize)
}

// DeriveSubkey derives an independent 256-bit key for purpose from root.
// HKDF-SHA-512: deterministic and one-way, so one store's key reveals
// nothing about another's.
func DeriveSubkey(root []byte, purpose string) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha512.New, root, []byte("agentvault-store-v1"), []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}
