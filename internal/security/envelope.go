package security

import (
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope sizes.
const (
	KeySize   = chacha20poly1305.KeySize   // 256-bit store key
	NonceSize = chacha20poly1305.NonceSize // 96-bit nonce, fresh per Seal
	TagSize   = chacha20poly1305.Overhead  // 128-bit Poly1305 tag
)

// Codec seals and opens payloads under a single store key.
//
// A Codec built with NewPlainCodec does no encryption at all: Seal and Open
// degrade to base64. That mode exists only for an explicit operator opt-out.
type Codec struct {
	aead cipher.AEAD // nil when encryption is disabled
	rand io.Reader
}

// NewCodec returns a Codec using key, drawing nonces from r.
func NewCodec(key []byte, r io.Reader) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: store key must be %d bytes, got %d", ErrMalformedInput, KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return &Codec{aead: aead, rand: r}, nil
}

// NewPlainCodec returns a Codec with encryption disabled.
func NewPlainCodec() *Codec {
	return &Codec{}
}

// Enabled reports whether the codec encrypts.
func (c *Codec) Enabled() bool { return c.aead != nil }

// Seal encrypts plaintext into a printable, self-describing blob:
//
//	base64(nonce:12 || ciphertext || tag:16)
func (c *Codec) Seal(plaintext []byte) (string, error) {
	if c.aead == nil {
		return base64.StdEncoding.EncodeToString(plaintext), nil
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if err := ReadRandom(c.rand, nonce); err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}

	blob := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Open reverses Seal. Undecodable or truncated blobs fail with
// ErrMalformedInput; a tag mismatch (tampering or wrong key) fails with
// ErrDecryption.
func (c *Codec) Open(sealed string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: sealed blob is not base64", ErrMalformedInput)
	}
	if c.aead == nil {
		return blob, nil
	}

	if len(blob) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: sealed blob too short (%d bytes)", ErrMalformedInput, len(blob))
	}

	nonce, ciphertext := blob[:NonceSize], blob[NonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
