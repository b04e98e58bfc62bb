// Package credentials is the agent's personal vault: named credentials
// (access token, optional refresh token, expiry) sealed at rest, and the
// agent's own signing identity.
//
// Vault implements Provider, the contract upstream session logic uses to
// fetch credentials by name without knowing how they are stored.
package credentials

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avaropoint/agentvault/internal/security"
	"github.com/avaropoint/agentvault/internal/store"
)

// Provider gets, lists, stores and removes credentials by name.
type Provider interface {
	GetCredential(name string) (Credential, error)
	ListCredentials() []Info
	StoreCredential(ctx context.Context, c Credential) error
	RemoveCredential(ctx context.Context, name string) error
}

var _ Provider = (*Vault)(nil)

// Credential is a decrypted credential.
type Credential struct {
	Name           string
	CredentialType string
	AccessToken    string
	RefreshToken   string // empty when the credential has none
	ExpiresAt      *time.Time
	Metadata       map[string]any
}

// Info describes a stored credential without its tokens.
type Info struct {
	Name            string         `json:"name"`
	CredentialType  string         `json:"credential_type"`
	HasRefreshToken bool           `json:"has_refresh_token"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// IsExpired reports whether the credential has an expiry at or before now.
func (i Info) IsExpired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

type record struct {
	Info
	AccessTokenEncrypted  string `json:"access_token_encrypted"`
	RefreshTokenEncrypted string `json:"refresh_token_encrypted,omitempty"`
}

func (r record) view() Info {
	i := r.Info
	i.Metadata = copyMetadata(r.Metadata)
	i.ExpiresAt = copyTime(r.ExpiresAt)
	return i
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
	Credentials map[string]record `json:"credentials"`
}

func (s snapshot) clone() snapshot {
	c := snapshot{Credentials: make(map[string]record, len(s.Credentials))}
	for k, v := range s.Credentials {
		c.Credentials[k] = v
	}
	return c
}

// Vault is the personal credential store. One codec seals both the
// credential tokens and the identity's private keys.
type Vault struct {
	mu       sync.RWMutex
	data     snapshot
	identity *storedIdentity // nil until EnsureIdentity
	codec    *security.Codec
	blobs    store.Store
	env      security.Env
	log      *logrus.Entry
}

// New loads the agent_credentials and identity blobs from s.
func New(ctx context.Context, s store.Store, codec *security.Codec, env security.Env) (*Vault, error) {
	env = env.WithDefaults()
	v := &Vault{
		codec: codec,
		blobs: s,
		env:   env,
		log:   env.Logger.WithField("store", store.BlobAgentCredentials),
	}
	if _, err := store.LoadJSON(ctx, s, store.BlobAgentCredentials, &v.data); err != nil {
		return nil, err
	}
	if v.data.Credentials == nil {
		v.data.Credentials = make(map[string]record)
	}

	var id storedIdentity
	ok, err := store.LoadJSON(ctx, s, store.BlobIdentity, &id)
	if err != nil {
		return nil, err
	}
	if ok {
		v.identity = &id
	}
	return v, nil
}

func (v *Vault) commit(ctx context.Context, next snapshot) error {
	if err := store.SaveJSON(ctx, v.blobs, v.env.Logger, store.BlobAgentCredentials, next); err != nil {
		return err
	}
	v.data = next
	return nil
}

// StoreCredential seals c's tokens and stores it under c.Name, replacing
// any credential of the same name. CreatedAt survives a replace.
func (v *Vault) StoreCredential(ctx context.Context, c Credential) error {
	if c.Name == "" {
		return fmt.Errorf("%w: credential name required", security.ErrMalformedInput)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	access, err := v.codec.Seal([]byte(c.AccessToken))
	if err != nil {
		return err
	}
	var refresh string
	if c.RefreshToken != "" {
		if refresh, err = v.codec.Seal([]byte(c.RefreshToken)); err != nil {
			return err
		}
	}

	now := v.env.Clock.Now()
	createdAt := now
	if old, ok := v.data.Credentials[c.Name]; ok {
		createdAt = old.CreatedAt
	}

	next := v.data.clone()
	next.Credentials[c.Name] = record{
		Info: Info{
			Name:            c.Name,
			CredentialType:  c.CredentialType,
			HasRefreshToken: c.RefreshToken != "",
			ExpiresAt:       copyTime(c.ExpiresAt),
			Metadata:        copyMetadata(c.Metadata),
			CreatedAt:       createdAt,
			UpdatedAt:       now,
		},
		AccessTokenEncrypted:  access,
		RefreshTokenEncrypted: refresh,
	}
	if err := v.commit(ctx, next); err != nil {
		return err
	}

	v.log.WithFields(logrus.Fields{
		"name": c.Name,
		"type": c.CredentialType,
	}).Info("Credential stored")
	return nil
}

// GetCredential opens the named credential's tokens.
func (v *Vault) GetCredential(name string) (Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	r, ok := v.data.Credentials[name]
	if !ok {
		return Credential{}, fmt.Errorf("credential %s: %w", name, security.ErrNotFound)
	}

	access, err := v.codec.Open(r.AccessTokenEncrypted)
	if err != nil {
		return Credential{}, fmt.Errorf("credential %s: %w", name, err)
	}
	c := Credential{
		Name:           r.Name,
		CredentialType: r.CredentialType,
		AccessToken:    string(access),
		ExpiresAt:      copyTime(r.ExpiresAt),
		Metadata:       copyMetadata(r.Metadata),
	}
	security.Wipe(access)

	if r.RefreshTokenEncrypted != "" {
		refresh, err := v.codec.Open(r.RefreshTokenEncrypted)
		if err != nil {
			return Credential{}, fmt.Errorf("credential %s: %w", name, err)
		}
		c.RefreshToken = string(refresh)
		security.Wipe(refresh)
	}
	return c, nil
}

// Info returns the named credential's metadata.
func (v *Vault) Info(name string) (Info, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.data.Credentials[name]
	if !ok {
		return Info{}, fmt.Errorf("credential %s: %w", name, security.ErrNotFound)
	}
	return r.view(), nil
}

// ListCredentials returns every credential's metadata, sorted by name.
func (v *Vault) ListCredentials() []Info {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Info, 0, len(v.data.Credentials))
	for _, r := range v.data.Credentials {
		out = append(out, r.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RemoveCredential deletes the named credential. Removing a missing name is
// a no-op.
func (v *Vault) RemoveCredential(ctx context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.data.Credentials[name]; !ok {
		return nil
	}
	next := v.data.clone()
	delete(next.Credentials, name)
	if err := v.commit(ctx, next); err != nil {
		return err
	}
	v.log.WithField("name", name).Info("Credential removed")
	return nil
}

// IsExpired reports whether the named credential exists and has expired.
// Nothing in the vault enforces expiry; callers check before trusting a
// token.
func (v *Vault) IsExpired(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.data.Credentials[name]
	return ok && r.IsExpired(v.env.Clock.Now())
}

// SetEncryptionKey switches the key for future Seal and Open calls. Existing
// credentials and the identity's sealed keys stay under the old key and
// become unreadable.
func (v *Vault) SetEncryptionKey(key []byte) error {
	codec, err := security.NewCodec(key, v.env.Rand)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.codec = codec
	v.mu.Unlock()
	v.log.Warn("Credential encryption key replaced without re-sealing")
	return nil
}
