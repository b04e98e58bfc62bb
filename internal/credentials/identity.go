package credentials

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avaropoint/agentvault/internal/keyrotation"
	"github.com/avaropoint/agentvault/internal/security"
	"github.com/avaropoint/agentvault/internal/store"
)

// ErrNoIdentity is returned by identity operations before EnsureIdentity.
var ErrNoIdentity = errors.New("no identity")

// storedIdentity is the persisted identity blob. Private halves are sealed
// with the vault codec.
type storedIdentity struct {
	KeyID                       string    `json:"key_id"`
	Algorithm                   string    `json:"algorithm"`
	PublicKey                   string    `json:"public_key"`
	PublicKeyPEM                string    `json:"public_key_pem"`
	PrivateKeyEncrypted         string    `json:"private_key_encrypted"`
	ExchangePublicKey           []byte    `json:"encryption_public_key,omitempty"`
	ExchangePublicKeyPEM        string    `json:"encryption_public_key_pem,omitempty"`
	ExchangePrivateKeyEncrypted string    `json:"encryption_private_key_encrypted,omitempty"`
	CreatedAt                   time.Time `json:"created_at"`
}

// PublicIdentity is the shareable half of the agent identity.
type PublicIdentity struct {
	KeyID                string    `json:"key_id"`
	Algorithm            string    `json:"algorithm"`
	PublicKey            string    `json:"public_key"`
	PublicKeyPEM         string    `json:"public_key_pem"`
	ExchangePublicKeyPEM string    `json:"encryption_public_key_pem,omitempty"`
	Fingerprint          string    `json:"fingerprint"`
	CreatedAt            time.Time `json:"created_at"`
}

func (s *storedIdentity) public() PublicIdentity {
	p := PublicIdentity{
		KeyID:                s.KeyID,
		Algorithm:            s.Algorithm,
		PublicKey:            s.PublicKey,
		PublicKeyPEM:         s.PublicKeyPEM,
		ExchangePublicKeyPEM: s.ExchangePublicKeyPEM,
		CreatedAt:            s.CreatedAt,
	}
	if pub, err := security.DecodePublicKey(s.PublicKey); err == nil {
		p.Fingerprint = security.Fingerprint(pub)
	}
	return p
}

// seal renders id into its persisted form.
func (v *Vault) seal(id *security.Identity) (*storedIdentity, error) {
	pemSig, err := id.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	pemX, err := id.ExchangePublicKeyPEM()
	if err != nil {
		return nil, err
	}

	seed := id.Seed()
	defer security.Wipe(seed)
	sealedSeed, err := v.codec.Seal(seed)
	if err != nil {
		return nil, err
	}

	s := &storedIdentity{
		Algorithm:            security.Algorithm,
		PublicKey:            id.PublicKeyBase64(),
		PublicKeyPEM:         pemSig,
		PrivateKeyEncrypted:  sealedSeed,
		ExchangePublicKey:    id.ExchangePublicKey,
		ExchangePublicKeyPEM: pemX,
		CreatedAt:            v.env.Clock.Now(),
	}
	if xpriv := id.ExchangePrivateKey(); xpriv != nil {
		defer security.Wipe(xpriv)
		if s.ExchangePrivateKeyEncrypted, err = v.codec.Seal(xpriv); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// open restores the private halves of s. Callers must Wipe the result.
func (v *Vault) open(s *storedIdentity) (*security.Identity, error) {
	seed, err := v.codec.Open(s.PrivateKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("open identity key: %w", err)
	}
	defer security.Wipe(seed)

	var xpriv []byte
	if s.ExchangePrivateKeyEncrypted != "" {
		if xpriv, err = v.codec.Open(s.ExchangePrivateKeyEncrypted); err != nil {
			return nil, fmt.Errorf("open exchange key: %w", err)
		}
		defer security.Wipe(xpriv)
	}
	return security.RestoreIdentity(seed, xpriv)
}

func (v *Vault) saveIdentity(ctx context.Context, s *storedIdentity) error {
	if err := store.SaveJSON(ctx, v.blobs, v.env.Logger, store.BlobIdentity, s); err != nil {
		return err
	}
	v.identity = s
	return nil
}

// EnsureIdentity returns the agent identity, generating it on first use and
// registering it with rot as the current key.
//
// The identity blob and the rotation state are separate stores. The
// identity is written first, so a failure between the two writes is
// repaired by calling EnsureIdentity again.
func (v *Vault) EnsureIdentity(ctx context.Context, rot *keyrotation.Manager) (PublicIdentity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.identity != nil && v.identity.KeyID != "" {
		return v.identity.public(), nil
	}

	pending := v.identity
	if pending == nil {
		id, err := security.GenerateIdentity(v.env.Rand)
		if err != nil {
			return PublicIdentity{}, err
		}
		pending, err = v.seal(id)
		id.Wipe()
		if err != nil {
			return PublicIdentity{}, err
		}
		if err := v.saveIdentity(ctx, pending); err != nil {
			return PublicIdentity{}, err
		}
	}

	var keyID string
	if cur, ok := rot.Current(); ok && cur.PublicKey == pending.PublicKey {
		keyID = cur.KeyID
	} else {
		var err error
		if keyID, err = rot.Generate(ctx, pending.PublicKey); err != nil {
			return PublicIdentity{}, err
		}
	}

	registered := *pending
	registered.KeyID = keyID
	if err := v.saveIdentity(ctx, &registered); err != nil {
		return PublicIdentity{}, err
	}

	v.log.WithFields(logrus.Fields{
		"key_id":      keyID,
		"fingerprint": registered.public().Fingerprint,
	}).Info("Agent identity created")
	return registered.public(), nil
}

// PublicIdentity returns the public half of the current identity. An
// identity not yet registered with the rotation manager is not returned;
// EnsureIdentity finishes registering it.
func (v *Vault) PublicIdentity() (PublicIdentity, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.identity == nil || v.identity.KeyID == "" {
		return PublicIdentity{}, ErrNoIdentity
	}
	return v.identity.public(), nil
}

// Sign signs msg with the current identity.
func (v *Vault) Sign(msg []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.identity == nil {
		return nil, ErrNoIdentity
	}
	id, err := v.open(v.identity)
	if err != nil {
		return nil, err
	}
	defer id.Wipe()
	return id.Sign(msg), nil
}

// Verify checks sig against the current identity's public key.
func (v *Vault) Verify(msg, sig []byte) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.identity == nil {
		return false
	}
	pub, err := security.DecodePublicKey(v.identity.PublicKey)
	if err != nil {
		return false
	}
	return security.Verify(pub, msg, sig)
}

// VerifyWithKey checks sig against any key rot ever issued, current or
// archived, so signatures made before a rotation stay verifiable.
func VerifyWithKey(rot *keyrotation.Manager, keyID string, msg, sig []byte) (bool, error) {
	issued, ok := rot.Get(keyID)
	if !ok {
		return false, fmt.Errorf("key %s: %w", keyID, security.ErrNotFound)
	}
	pub, err := security.DecodePublicKey(issued.PublicKey)
	if err != nil {
		return false, err
	}
	return security.Verify(pub, msg, sig), nil
}

// archivePayload is the plaintext of an archived key: the Ed25519 seed
// followed by the X25519 scalar when the identity has one.
func archivePayload(id *security.Identity) []byte {
	seed := id.Seed()
	xpriv := id.ExchangePrivateKey()
	out := make([]byte, 0, len(seed)+len(xpriv))
	out = append(out, seed...)
	out = append(out, xpriv...)
	security.Wipe(seed)
	security.Wipe(xpriv)
	return out
}

// RotateIdentity replaces the current identity with a fresh one. The old
// private keys are sealed with the vault codec and handed to rot, which
// archives them alongside the old public key.
//
// Not atomic across stores: rot is updated before the identity blob. If the
// final write fails, rot already names the new key while the vault still
// signs with the old one; the error says so and the new key is lost.
func (v *Vault) RotateIdentity(ctx context.Context, rot *keyrotation.Manager) (PublicIdentity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.identity == nil || v.identity.KeyID == "" {
		return PublicIdentity{}, ErrNoIdentity
	}

	old, err := v.open(v.identity)
	if err != nil {
		return PublicIdentity{}, err
	}
	payload := archivePayload(old)
	old.Wipe()
	sealedOld, err := v.codec.Seal(payload)
	security.Wipe(payload)
	if err != nil {
		return PublicIdentity{}, err
	}

	fresh, err := security.GenerateIdentity(v.env.Rand)
	if err != nil {
		return PublicIdentity{}, err
	}
	next, err := v.seal(fresh)
	fresh.Wipe()
	if err != nil {
		return PublicIdentity{}, err
	}

	keyID, err := rot.Rotate(ctx, next.PublicKey, sealedOld)
	if err != nil {
		return PublicIdentity{}, err
	}
	next.KeyID = keyID
	if err := v.saveIdentity(ctx, next); err != nil {
		v.log.WithField("key_id", keyID).WithError(err).Error("Rotation recorded but new identity not persisted")
		return PublicIdentity{}, fmt.Errorf("persist rotated identity %s: %w", keyID, err)
	}

	v.log.WithFields(logrus.Fields{
		"key_id":      keyID,
		"fingerprint": next.public().Fingerprint,
	}).Info("Agent identity rotated")
	return next.public(), nil
}

// OpenArchivedKey restores the private keys of an archived identity sealed
// by RotateIdentity. Callers must Wipe the result.
func (v *Vault) OpenArchivedKey(k keyrotation.ArchivedKey) (*security.Identity, error) {
	v.mu.RLock()
	codec := v.codec
	v.mu.RUnlock()

	payload, err := codec.Open(k.PrivateKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("archived key %s: %w", k.KeyID, err)
	}
	defer security.Wipe(payload)

	seed, xpriv := payload, []byte(nil)
	if len(payload) > ed25519.SeedSize {
		seed, xpriv = payload[:ed25519.SeedSize], payload[ed25519.SeedSize:]
	}
	id, err := security.RestoreIdentity(seed, xpriv)
	if err != nil {
		return nil, fmt.Errorf("archived key %s: %w", k.KeyID, err)
	}
	if id.PublicKeyBase64() != k.PublicKey {
		id.Wipe()
		return nil, fmt.Errorf("%w: archived key %s does not match its public key", security.ErrMalformedInput, k.KeyID)
	}
	return id, nil
}
