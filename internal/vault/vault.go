// Package vault is the per-tenant credential vault: named secrets scoped to
// a (tenant, user) pair, sealed at rest with the store's envelope codec.
//
// Listing never exposes secret material; callers ask for a single entry's
// plaintext with GetDecrypted. Expiry is advisory metadata and is not
// enforced by any operation here.
package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avaropoint/agentvault/internal/security"
	"github.com/avaropoint/agentvault/internal/store"
)

const snapshotVersion = 1

// Entry describes a stored secret without its value.
type Entry struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	UserID         string         `json:"user_id"`
	Name           string         `json:"name"`
	CredentialType string         `json:"credential_type"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
}

// IsExpired reports whether the entry has an expiry at or before now.
func (e Entry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

type record struct {
	Entry
	EncryptedValue string `json:"encrypted_value"`
}

// view copies the entry so callers never share maps or pointers with the
// snapshot.
func (r record) view() Entry {
	e := r.Entry
	e.Metadata = copyMetadata(r.Metadata)
	e.ExpiresAt = copyTime(r.ExpiresAt)
	return e
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

type snapshot struct {
	Entries []record `json:"entries"`
	Version int      `json:"version"`
}

func (s snapshot) clone() snapshot {
	return snapshot{Entries: append([]record(nil), s.Entries...), Version: s.Version}
}

// StoreRequest is the input to Store.
type StoreRequest struct {
	TenantID       string
	UserID         string
	Name           string
	CredentialType string
	Plaintext      []byte
	Metadata       map[string]any
	ExpiresAt      *time.Time
}

// Vault holds every tenant credential in memory and persists the full
// snapshot after each mutation.
type Vault struct {
	mu    sync.RWMutex
	data  snapshot
	codec *security.Codec
	blobs store.Store
	env   security.Env
	log   *logrus.Entry
}

// New loads the vault blob from s. codec seals new values and opens stored
// ones.
func New(ctx context.Context, s store.Store, codec *security.Codec, env security.Env) (*Vault, error) {
	env = env.WithDefaults()
	v := &Vault{
		codec: codec,
		blobs: s,
		env:   env,
		log:   env.Logger.WithField("store", store.BlobVault),
	}
	if _, err := store.LoadJSON(ctx, s, store.BlobVault, &v.data); err != nil {
		return nil, err
	}
	v.data.Version = snapshotVersion
	return v, nil
}

func (v *Vault) commit(ctx context.Context, next snapshot) error {
	if err := store.SaveJSON(ctx, v.blobs, v.env.Logger, store.BlobVault, next); err != nil {
		return err
	}
	v.data = next
	return nil
}

// Store seals req.Plaintext and upserts it by (tenant, user, name). An
// existing entry keeps its id, type and CreatedAt; its value, metadata and
// expiry are overwritten.
func (v *Vault) Store(ctx context.Context, req StoreRequest) (Entry, error) {
	if req.TenantID == "" || req.UserID == "" || req.Name == "" {
		return Entry{}, fmt.Errorf("%w: tenant, user and name are required", security.ErrMalformedInput)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	sealed, err := v.codec.Seal(req.Plaintext)
	if err != nil {
		return Entry{}, err
	}
	now := v.env.Clock.Now()

	next := v.data.clone()
	idx := -1
	for i, r := range next.Entries {
		if r.TenantID == req.TenantID && r.UserID == req.UserID && r.Name == req.Name {
			idx = i
			break
		}
	}

	if idx >= 0 {
		r := &next.Entries[idx]
		r.EncryptedValue = sealed
		r.Metadata = copyMetadata(req.Metadata)
		r.ExpiresAt = copyTime(req.ExpiresAt)
		r.UpdatedAt = now
	} else {
		id, err := security.NewID(v.env.Rand)
		if err != nil {
			return Entry{}, err
		}
		next.Entries = append(next.Entries, record{
			Entry: Entry{
				ID:             id,
				TenantID:       req.TenantID,
				UserID:         req.UserID,
				Name:           req.Name,
				CredentialType: req.CredentialType,
				Metadata:       copyMetadata(req.Metadata),
				CreatedAt:      now,
				UpdatedAt:      now,
				ExpiresAt:      copyTime(req.ExpiresAt),
			},
			EncryptedValue: sealed,
		})
		idx = len(next.Entries) - 1
	}

	if err := v.commit(ctx, next); err != nil {
		return Entry{}, err
	}

	stored := next.Entries[idx].view()
	v.log.WithFields(logrus.Fields{
		"entry_id": stored.ID,
		"tenant":   stored.TenantID,
		"user":     stored.UserID,
		"name":     stored.Name,
	}).Info("Vault entry stored")
	return stored, nil
}

func (v *Vault) find(id string) (record, bool) {
	for _, r := range v.data.Entries {
		if r.ID == id {
			return r, true
		}
	}
	return record{}, false
}

// Get returns the entry's metadata.
func (v *Vault) Get(id string) (Entry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.find(id)
	if !ok {
		return Entry{}, fmt.Errorf("vault entry %s: %w", id, security.ErrNotFound)
	}
	return r.view(), nil
}

// GetDecrypted opens the entry's sealed value.
func (v *Vault) GetDecrypted(id string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.find(id)
	if !ok {
		return nil, fmt.Errorf("vault entry %s: %w", id, security.ErrNotFound)
	}
	plaintext, err := v.codec.Open(r.EncryptedValue)
	if err != nil {
		return nil, fmt.Errorf("vault entry %s: %w", id, err)
	}
	return plaintext, nil
}

func (v *Vault) filter(match func(record) bool) []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []Entry
	for _, r := range v.data.Entries {
		if match(r) {
			out = append(out, r.view())
		}
	}
	return out
}

// ListByUser returns the user's entries across tenants.
func (v *Vault) ListByUser(userID string) []Entry {
	return v.filter(func(r record) bool { return r.UserID == userID })
}

// ListByTenant returns every entry in the tenant.
func (v *Vault) ListByTenant(tenantID string) []Entry {
	return v.filter(func(r record) bool { return r.TenantID == tenantID })
}

// ListByScope returns the entries of one (tenant, user) scope.
func (v *Vault) ListByScope(tenantID, userID string) []Entry {
	return v.filter(func(r record) bool { return r.TenantID == tenantID && r.UserID == userID })
}

func (v *Vault) remove(ctx context.Context, match func(record) bool) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := snapshot{Version: v.data.Version}
	for _, r := range v.data.Entries {
		if !match(r) {
			next.Entries = append(next.Entries, r)
		}
	}
	removed := len(v.data.Entries) - len(next.Entries)
	if removed == 0 {
		return 0, nil
	}
	return removed, v.commit(ctx, next)
}

// Delete removes one entry. Deleting a missing id is a no-op.
func (v *Vault) Delete(ctx context.Context, id string) error {
	n, err := v.remove(ctx, func(r record) bool { return r.ID == id })
	if err == nil && n > 0 {
		v.log.WithField("entry_id", id).Info("Vault entry deleted")
	}
	return err
}

// DeleteByUser removes every entry owned by the user.
func (v *Vault) DeleteByUser(ctx context.Context, userID string) error {
	n, err := v.remove(ctx, func(r record) bool { return r.UserID == userID })
	if err == nil && n > 0 {
		v.log.WithFields(logrus.Fields{"user": userID, "count": n}).Info("Vault entries deleted")
	}
	return err
}

// DeleteByTenant removes every entry in the tenant.
func (v *Vault) DeleteByTenant(ctx context.Context, tenantID string) error {
	n, err := v.remove(ctx, func(r record) bool { return r.TenantID == tenantID })
	if err == nil && n > 0 {
		v.log.WithFields(logrus.Fields{"tenant": tenantID, "count": n}).Info("Vault entries deleted")
	}
	return err
}

// SetEncryptionKey switches the key for future Seal and Open calls only.
// Entries sealed under the previous key become unreadable; use Rekey to
// carry them over.
func (v *Vault) SetEncryptionKey(key []byte) error {
	codec, err := security.NewCodec(key, v.env.Rand)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.codec = codec
	v.mu.Unlock()
	v.log.Warn("Vault encryption key replaced without re-sealing")
	return nil
}

// Rekey re-seals every entry under key, persists the result, and then
// switches to key. On any failure the vault keeps the old key and data.
func (v *Vault) Rekey(ctx context.Context, key []byte) error {
	codec, err := security.NewCodec(key, v.env.Rand)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	next := v.data.clone()
	for i := range next.Entries {
		r := &next.Entries[i]
		plaintext, err := v.codec.Open(r.EncryptedValue)
		if err != nil {
			return fmt.Errorf("rekey entry %s: %w", r.ID, err)
		}
		r.EncryptedValue, err = codec.Seal(plaintext)
		security.Wipe(plaintext)
		if err != nil {
			return fmt.Errorf("rekey entry %s: %w", r.ID, err)
		}
	}
	if err := v.commit(ctx, next); err != nil {
		return err
	}
	v.codec = codec
	v.log.WithField("count", len(next.Entries)).Info("Vault re-keyed")
	return nil
}
