package security

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
)

// KeySource yields a store's 256-bit key, generating and persisting one the
// first time it is asked. Later calls return the same key.
type KeySource interface {
	LoadOrCreate(r io.Reader) ([]byte, error)
}

// FileKeySource keeps the key as base64 text in a file readable only by its
// owner (0600).
type FileKeySource struct {
	Path string
}

// LoadOrCreate loads the key file at s.Path or generates one.
func (s FileKeySource) LoadOrCreate(r io.Reader) ([]byte, error) {
	return loadOrCreateSecretFile(s.Path, KeySize, r)
}

// KeyringKeySource keeps the key in an OS keyring item.
type KeyringKeySource struct {
	Ring keyring.Keyring
	Item string
}

// OpenKeyring opens the platform keyring under service.
func OpenKeyring(service string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open keyring: %v", ErrIO, err)
	}
	return ring, nil
}

// LoadOrCreate loads the keyring item or generates and stores a new key.
func (s KeyringKeySource) LoadOrCreate(r io.Reader) ([]byte, error) {
	item, err := s.Ring.Get(s.Item)
	if err == nil {
		return decodeSecret(item.Data, KeySize, "keyring item "+s.Item)
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: read keyring item %s: %v", ErrIO, s.Item, err)
	}

	key := make([]byte, KeySize)
	if err := ReadRandom(r, key); err != nil {
		return nil, err
	}
	err = s.Ring.Set(keyring.Item{
		Key:         s.Item,
		Data:        []byte(base64.StdEncoding.EncodeToString(key)),
		Label:       "agentvault " + s.Item,
		Description: "agentvault store key",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: store keyring item %s: %v", ErrIO, s.Item, err)
	}
	return key, nil
}

// PassphraseKeySource derives the key from an operator passphrase with
// Argon2id, then separates stores with HKDF on Purpose. The salt lives in a
// 0600 file next to the data.
type PassphraseKeySource struct {
	Passphrase []byte
	SaltPath   string
	Purpose    string
}

// LoadOrCreate derives the key. Only the salt is ever written to disk.
func (s PassphraseKeySource) LoadOrCreate(r io.Reader) ([]byte, error) {
	if len(s.Passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", ErrMalformedInput)
	}
	salt, err := loadOrCreateSecretFile(s.SaltPath, saltSize, r)
	if err != nil {
		return nil, err
	}
	root := DeriveKey(s.Passphrase, salt)
	defer Wipe(root)
	return DeriveSubkey(root, s.Purpose)
}

// loadOrCreateSecretFile reads a base64 secret of size bytes from path, or
// generates one and writes it with owner-only permissions. A present but
// unreadable or malformed file is an error, never a silent regeneration.
func loadOrCreateSecretFile(path string, size int, r io.Reader) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return decodeSecret(data, size, path)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}

	secret := make([]byte, size)
	if err := ReadRandom(r, secret); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrIO, path, err)
	}
	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(secret)); err != nil {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: write %s: %v", ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: close %s: %v", ErrIO, path, err)
	}
	return secret, nil
}

func decodeSecret(data []byte, size int, origin string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not base64", ErrMalformedInput, origin)
	}
	if len(secret) != size {
		return nil, fmt.Errorf("%w: %s holds %d bytes, want %d", ErrMalformedInput, origin, len(secret), size)
	}
	return secret, nil
}
