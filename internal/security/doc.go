// Package security provides the cryptographic primitives shared by every
// secret store on the platform:
//
//   - Envelope encryption of opaque payloads (ChaCha20-Poly1305)
//   - Principal identity keypairs (Ed25519 signing + X25519 key exchange)
//   - Store key custody (owner-only key files, OS keyring, passphrase + Argon2id)
//   - Random identifiers drawn from an injectable entropy source
//   - The error taxonomy used across the stores
//
// # Sealed blobs
//
// A sealed blob is base64(nonce || ciphertext || tag) with a 96-bit random
// nonce drawn fresh for every Seal call. Blobs are self-describing: opening
// one needs only the store key. A store key is never rotated implicitly;
// swapping keys without re-sealing existing blobs makes them unreadable.
package security
