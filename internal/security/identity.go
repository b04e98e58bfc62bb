package security

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// Algorithm names the signing scheme of every Identity.
const Algorithm = "Ed25519"

// Identity is a principal's key material: an Ed25519 signing keypair and an
// optional X25519 key-exchange keypair.
type Identity struct {
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey

	ExchangePublicKey  []byte // nil when the identity has no exchange half
	exchangePrivateKey []byte
}

// GenerateIdentity creates a signing keypair and an exchange keypair from r.
func GenerateIdentity(r io.Reader) (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if err := ReadRandom(r, seed); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	Wipe(seed)

	xpriv := make([]byte, curve25519.ScalarSize)
	if err := ReadRandom(r, xpriv); err != nil {
		Wipe(priv)
		return nil, fmt.Errorf("generate exchange key: %w", err)
	}
	xpub, err := curve25519.X25519(xpriv, curve25519.Basepoint)
	if err != nil {
		Wipe(priv)
		Wipe(xpriv)
		return nil, fmt.Errorf("derive exchange public key: %w", err)
	}

	return &Identity{
		PublicKey:          priv.Public().(ed25519.PublicKey),
		privateKey:         priv,
		ExchangePublicKey:  xpub,
		exchangePrivateKey: xpriv,
	}, nil
}

// RestoreIdentity rebuilds an Identity from an Ed25519 seed and an optional
// X25519 private scalar.
func RestoreIdentity(seed, exchangePrivate []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: signing seed must be %d bytes", ErrMalformedInput, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	id := &Identity{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		privateKey: priv,
	}
	if len(exchangePrivate) == 0 {
		return id, nil
	}
	if len(exchangePrivate) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: exchange key must be %d bytes", ErrMalformedInput, curve25519.ScalarSize)
	}
	xpub, err := curve25519.X25519(exchangePrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	id.ExchangePublicKey = xpub
	id.exchangePrivateKey = append([]byte(nil), exchangePrivate...)
	return id, nil
}

// Seed returns a copy of the signing seed. Callers must Wipe it.
func (id *Identity) Seed() []byte {
	return append([]byte(nil), id.privateKey.Seed()...)
}

// ExchangePrivateKey returns a copy of the X25519 scalar, or nil. Callers
// must Wipe it.
func (id *Identity) ExchangePrivateKey() []byte {
	if id.exchangePrivateKey == nil {
		return nil
	}
	return append([]byte(nil), id.exchangePrivateKey...)
}

// Sign signs msg with the identity's Ed25519 key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.privateKey, msg)
}

// Fingerprint returns the SHA-256 hex fingerprint of the signing public key.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.PublicKey)
}

// PublicKeyBase64 returns the raw signing public key in base64.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey)
}

// PublicKeyPEM renders the signing public key as a PKIX "PUBLIC KEY" block.
func (id *Identity) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(id.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal signing key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ExchangePublicKeyPEM renders the X25519 public key as a PKIX block, or ""
// when the identity has no exchange half.
func (id *Identity) ExchangePublicKeyPEM() (string, error) {
	if id.ExchangePublicKey == nil {
		return "", nil
	}
	pub, err := ecdh.X25519().NewPublicKey(id.ExchangePublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal exchange key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Wipe zeroes the private halves. The identity cannot sign afterwards.
func (id *Identity) Wipe() {
	Wipe(id.privateKey)
	Wipe(id.exchangePrivateKey)
}

// DecodePublicKey parses a base64 Ed25519 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: not a base64 Ed25519 public key", ErrMalformedInput)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify reports whether sig is a valid signature of msg by pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
