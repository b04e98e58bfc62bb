package security

import "errors"

var (
	// ErrNotFound reports a lookup miss. Callers decide the fallback.
	ErrNotFound = errors.New("not found")
	// ErrMalformedInput reports stored or supplied data that failed to decode.
	ErrMalformedInput = errors.New("malformed input")
	// ErrDecryption reports an AEAD authentication failure. Never retry it.
	ErrDecryption = errors.New("decryption failed")
	// ErrRNG reports an unavailable entropy source.
	ErrRNG = errors.New("random source failure")
	// ErrIO reports a persistence read or write failure.
	ErrIO = errors.New("i/o failure")
)
