// Package keyrotation keeps the append-only history of a principal's
// identity keys: which key is current, every key ever issued, and the sealed
// private material of retired keys.
package keyrotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avaropoint/agentvault/internal/security"
	"github.com/avaropoint/agentvault/internal/store"
)

// ErrAlreadyInitialized is returned by Generate once a current identity
// exists. Replacing it goes through Rotate.
var ErrAlreadyInitialized = errors.New("identity already issued")

// Identity is one issued key. Only Archived ever changes after issue.
type Identity struct {
	KeyID     string    `json:"key_id"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
	Archived  bool      `json:"archived"`
}

// ArchivedKey is a retired key kept for verifying what it signed. The
// private material is stored exactly as the caller sealed it.
type ArchivedKey struct {
	KeyID               string    `json:"key_id"`
	PublicKey           string    `json:"public_key"`
	ArchivedAt          time.Time `json:"archived_at"`
	PrivateKeyEncrypted string    `json:"private_key_encrypted"`
}

// State is the persisted snapshot. Exactly one identity has Archived=false
// and its KeyID equals CurrentKeyID, unless none was ever issued.
type State struct {
	CurrentKeyID string        `json:"current_key_id"`
	Identities   []Identity    `json:"identities"`
	ArchivedKeys []ArchivedKey `json:"archived_keys"`
	LastRotation *time.Time    `json:"last_rotation,omitempty"`
}

func (s State) clone() State {
	c := s
	c.Identities = append([]Identity(nil), s.Identities...)
	c.ArchivedKeys = append([]ArchivedKey(nil), s.ArchivedKeys...)
	return c
}

func (s State) current() (int, bool) {
	if s.CurrentKeyID == "" {
		return -1, false
	}
	for i, id := range s.Identities {
		if id.KeyID == s.CurrentKeyID && !id.Archived {
			return i, true
		}
	}
	return -1, false
}

// Manager tracks key rotation for one principal.
type Manager struct {
	mu    sync.RWMutex
	state State
	blobs store.Store
	env   security.Env
	log   *logrus.Entry
}

// New loads the rotation state from s, starting empty if the blob is absent.
func New(ctx context.Context, s store.Store, env security.Env) (*Manager, error) {
	env = env.WithDefaults()
	m := &Manager{
		blobs: s,
		env:   env,
		log:   env.Logger.WithField("store", store.BlobKeyRotation),
	}
	if _, err := store.LoadJSON(ctx, s, store.BlobKeyRotation, &m.state); err != nil {
		return nil, err
	}
	return m, nil
}

// commit persists next and installs it. The in-memory state is unchanged if
// the write fails.
func (m *Manager) commit(ctx context.Context, next State) error {
	if err := store.SaveJSON(ctx, m.blobs, m.env.Logger, store.BlobKeyRotation, next); err != nil {
		return err
	}
	m.state = next
	return nil
}

// Generate issues the first identity for publicKey and makes it current.
func (m *Manager) Generate(ctx context.Context, publicKey string) (string, error) {
	if publicKey == "" {
		return "", fmt.Errorf("%w: public key required", security.ErrMalformedInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.current(); ok {
		return "", ErrAlreadyInitialized
	}

	keyID, err := security.NewID(m.env.Rand)
	if err != nil {
		return "", err
	}

	next := m.state.clone()
	next.Identities = append(next.Identities, Identity{
		KeyID:     keyID,
		PublicKey: publicKey,
		CreatedAt: m.env.Clock.Now(),
	})
	next.CurrentKeyID = keyID
	if err := m.commit(ctx, next); err != nil {
		return "", err
	}

	m.log.WithField("key_id", keyID).Info("Identity issued")
	return keyID, nil
}

// Rotate archives the current identity together with archivedPrivateKey (its
// private key, already sealed by the caller) and installs newPublicKey as the
// new current identity.
func (m *Manager) Rotate(ctx context.Context, newPublicKey, archivedPrivateKey string) (string, error) {
	if newPublicKey == "" {
		return "", fmt.Errorf("%w: public key required", security.ErrMalformedInput)
	}
	if archivedPrivateKey == "" {
		return "", fmt.Errorf("%w: sealed private key required", security.ErrMalformedInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.state.current()
	if !ok {
		return "", fmt.Errorf("rotate: no current identity: %w", security.ErrNotFound)
	}

	newKeyID, err := security.NewID(m.env.Rand)
	if err != nil {
		return "", err
	}

	now := m.env.Clock.Now()
	next := m.state.clone()
	old := next.Identities[idx]
	next.Identities[idx].Archived = true
	next.ArchivedKeys = append(next.ArchivedKeys, ArchivedKey{
		KeyID:               old.KeyID,
		PublicKey:           old.PublicKey,
		ArchivedAt:          now,
		PrivateKeyEncrypted: archivedPrivateKey,
	})
	next.Identities = append(next.Identities, Identity{
		KeyID:     newKeyID,
		PublicKey: newPublicKey,
		CreatedAt: now,
	})
	next.CurrentKeyID = newKeyID
	next.LastRotation = &now
	if err := m.commit(ctx, next); err != nil {
		return "", err
	}

	m.log.WithFields(logrus.Fields{
		"key_id":          newKeyID,
		"archived_key_id": old.KeyID,
	}).Info("Identity rotated")
	return newKeyID, nil
}

// Current returns the current identity; ok is false if none was issued.
func (m *Manager) Current() (Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.state.current()
	if !ok {
		return Identity{}, false
	}
	return m.state.Identities[idx], true
}

// Get looks up any identity ever issued, archived or not.
func (m *Manager) Get(keyID string) (Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.state.Identities {
		if id.KeyID == keyID {
			return id, true
		}
	}
	return Identity{}, false
}

// List returns every identity in issue order.
func (m *Manager) List() []Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Identity(nil), m.state.Identities...)
}

// ArchivedKey returns the archive record for keyID.
func (m *Manager) ArchivedKey(keyID string) (ArchivedKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.state.ArchivedKeys {
		if k.KeyID == keyID {
			return k, true
		}
	}
	return ArchivedKey{}, false
}

// ArchivedKeys returns every archive record in rotation order.
func (m *Manager) ArchivedKeys() []ArchivedKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ArchivedKey(nil), m.state.ArchivedKeys...)
}

// LastRotation returns when the last rotation happened.
func (m *Manager) LastRotation() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.LastRotation == nil {
		return time.Time{}, false
	}
	return *m.state.LastRotation, true
}
