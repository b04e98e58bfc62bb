// Package platform wires the security core together. Open builds every store
// exactly once from configuration; callers share the returned *Platform
// instead of reaching for globals.
//
// The guarded methods run the data flow in order: check the principal's
// ceiling, then let the vault seal and persist.
package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"github.com/sirupsen/logrus"

	"github.com/avaropoint/agentvault/internal/ceiling"
	"github.com/avaropoint/agentvault/internal/config"
	"github.com/avaropoint/agentvault/internal/credentials"
	"github.com/avaropoint/agentvault/internal/groupvault"
	"github.com/avaropoint/agentvault/internal/keyrotation"
	"github.com/avaropoint/agentvault/internal/security"
	"github.com/avaropoint/agentvault/internal/store"
	"github.com/avaropoint/agentvault/internal/vault"
)

// Platform owns the backend and every store built on it.
type Platform struct {
	Blobs       store.Store
	Credentials *credentials.Vault
	Rotation    *keyrotation.Manager
	Ceilings    *ceiling.Manager
	Vault       *vault.Vault
	Groups      *groupvault.Gate

	log *logrus.Entry
}

// Open opens the configured backend and loads every store from it.
func Open(ctx context.Context, cfg config.Config, env security.Env) (*Platform, error) {
	env = env.WithDefaults()
	log := env.Logger.WithField("component", "platform")

	blobs, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p := &Platform{Blobs: blobs, log: log}

	if err := p.load(ctx, cfg, env); err != nil {
		blobs.Close() //nolint:errcheck
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"backend":    cfg.Backend.Kind,
		"encryption": cfg.Encryption.IsEnabled(),
		"key_source": cfg.Encryption.KeySource,
	}).Debug("Security core ready")
	return p, nil
}

func (p *Platform) load(ctx context.Context, cfg config.Config, env security.Env) error {
	keys, err := newKeyFactory(cfg, env)
	if err != nil {
		return err
	}

	credCodec, err := keys.codec(store.BlobAgentCredentials)
	if err != nil {
		return err
	}
	vaultCodec, err := keys.codec(store.BlobVault)
	if err != nil {
		return err
	}
	groupCodec, err := keys.codec(store.BlobGroupVault)
	if err != nil {
		return err
	}

	if p.Credentials, err = credentials.New(ctx, p.Blobs, credCodec, env); err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if p.Rotation, err = keyrotation.New(ctx, p.Blobs, env); err != nil {
		return fmt.Errorf("load key rotation: %w", err)
	}
	if p.Ceilings, err = ceiling.New(ctx, p.Blobs, env); err != nil {
		return fmt.Errorf("load ceilings: %w", err)
	}
	if p.Vault, err = vault.New(ctx, p.Blobs, vaultCodec, env); err != nil {
		return fmt.Errorf("load vault: %w", err)
	}
	if p.Groups, err = groupvault.New(ctx, p.Blobs, groupCodec, env); err != nil {
		return fmt.Errorf("load group vault: %w", err)
	}
	return nil
}

// Close releases the backend.
func (p *Platform) Close() error {
	return p.Blobs.Close()
}

// OpenStore opens the backend named by cfg.Backend.Kind.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Backend.Kind {
	case config.BackendFile:
		return store.NewFileStore(cfg.DataDir)
	case config.BackendSQLite:
		path := cfg.Backend.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "agentvault.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return store.NewSQLiteStore(path)
	case config.BackendBadger:
		path := cfg.Backend.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "badger")
		}
		return store.NewBadgerStore(path)
	case config.BackendRedis:
		return store.NewRedisStore(ctx, cfg.Backend.RedisAddr, cfg.Backend.RedisPrefix)
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
	}
}

// keyFactory builds one codec per store, each under its own key.
type keyFactory struct {
	cfg        config.Config
	env        security.Env
	ring       keyring.Keyring
	passphrase []byte
}

func newKeyFactory(cfg config.Config, env security.Env) (*keyFactory, error) {
	f := &keyFactory{cfg: cfg, env: env}
	if !cfg.Encryption.IsEnabled() {
		return f, nil
	}
	switch cfg.Encryption.KeySource {
	case config.KeySourceKeyring:
		ring, err := security.OpenKeyring(cfg.Encryption.KeyringService)
		if err != nil {
			return nil, err
		}
		f.ring = ring
	case config.KeySourcePassphrase:
		pass := os.Getenv(cfg.Encryption.PassphraseEnv)
		if pass == "" {
			return nil, fmt.Errorf("%w: %s is not set", security.ErrMalformedInput, cfg.Encryption.PassphraseEnv)
		}
		f.passphrase = []byte(pass)
	}
	return f, nil
}

// source returns the key source for the store whose blob is purpose.
func (f *keyFactory) source(purpose string) security.KeySource {
	switch f.cfg.Encryption.KeySource {
	case config.KeySourceKeyring:
		return security.KeyringKeySource{Ring: f.ring, Item: purpose}
	case config.KeySourcePassphrase:
		return security.PassphraseKeySource{
			Passphrase: f.passphrase,
			SaltPath:   filepath.Join(f.cfg.DataDir, ".passphrase_salt"),
			Purpose:    purpose,
		}
	default:
		return security.FileKeySource{Path: KeyPath(f.cfg.DataDir, purpose)}
	}
}

func (f *keyFactory) codec(purpose string) (*security.Codec, error) {
	if !f.cfg.Encryption.IsEnabled() {
		f.env.Logger.WithField("store", purpose).Warn("Encryption disabled: secrets stored base64-encoded only")
		return security.NewPlainCodec(), nil
	}
	key, err := f.source(purpose).LoadOrCreate(f.env.Rand)
	if err != nil {
		return nil, fmt.Errorf("%s key: %w", purpose, err)
	}
	defer security.Wipe(key)
	return security.NewCodec(key, f.env.Rand)
}

// KeyPath is where the file key source keeps the key for purpose.
func KeyPath(dataDir, purpose string) string {
	return filepath.Join(dataDir, "."+purpose+"_key")
}
