package platform

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/agentvault/internal/ceiling"
	"github.com/avaropoint/agentvault/internal/config"
	"github.com/avaropoint/agentvault/internal/credentials"
	"github.com/avaropoint/agentvault/internal/security"
	"github.com/avaropoint/agentvault/internal/store"
	"github.com/avaropoint/agentvault/internal/vault"
)

func testEnv() security.Env {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return security.Env{Logger: log}
}

func testConfig(t *testing.T, kind string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Backend.Kind = kind
	require.NoError(t, cfg.Validate())
	return cfg
}

func open(t *testing.T, cfg config.Config) *Platform {
	t.Helper()
	p, err := Open(context.Background(), cfg, testEnv())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() }) //nolint:errcheck
	return p
}

func TestOpenEachBackend(t *testing.T) {
	for _, kind := range []string{config.BackendFile, config.BackendSQLite, config.BackendBadger, config.BackendMemory} {
		t.Run(kind, func(t *testing.T) {
			p := open(t, testConfig(t, kind))
			entry, err := p.StoreSecret(context.Background(), "agent-1", vault.StoreRequest{
				TenantID:  "t1",
				UserID:    "u1",
				Name:      "github",
				Plaintext: []byte("ghp_x"),
			})
			require.NoError(t, err)
			plaintext, err := p.RevealSecret("agent-1", entry.ID)
			require.NoError(t, err)
			assert.Equal(t, "ghp_x", string(plaintext))
		})
	}
}

func TestFileKeysOwnerOnly(t *testing.T) {
	cfg := testConfig(t, config.BackendFile)
	open(t, cfg)

	for _, purpose := range []string{store.BlobAgentCredentials, store.BlobVault, store.BlobGroupVault} {
		info, err := os.Stat(KeyPath(cfg.DataDir, purpose))
		require.NoError(t, err, purpose)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), purpose)
	}
}

func TestReopenReadsExistingSecrets(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendFile)

	p, err := Open(ctx, cfg, testEnv())
	require.NoError(t, err)
	entry, err := p.StoreSecret(ctx, "agent-1", vault.StoreRequest{TenantID: "t1", UserID: "u1", Name: "db", Plaintext: []byte("pw")})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	again := open(t, cfg)
	plaintext, err := again.RevealSecret("agent-1", entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "pw", string(plaintext))
}

func TestCeilingGuardsWrites(t *testing.T) {
	ctx := context.Background()
	p := open(t, testConfig(t, config.BackendMemory))

	_, err := p.Ceilings.SetCeiling(ctx, "reader", ceiling.Read)
	require.NoError(t, err)

	_, err = p.StoreSecret(ctx, "reader", vault.StoreRequest{TenantID: "t1", UserID: "u1", Name: "x", Plaintext: []byte("v")})
	require.ErrorIs(t, err, ceiling.ErrPermissionDenied)
	var denied *ceiling.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ceiling.Write, denied.Requested)
	assert.Equal(t, ceiling.Read, denied.Ceiling)
	assert.Empty(t, p.Vault.ListByTenant("t1"))

	err = p.StoreCredential(ctx, "reader", credentials.Credential{Name: "x", AccessToken: "y"})
	assert.ErrorIs(t, err, ceiling.ErrPermissionDenied)

	// Default ceiling is Write: not enough to rotate the identity.
	_, err = p.RotateIdentity(ctx, "anyone")
	assert.ErrorIs(t, err, ceiling.ErrPermissionDenied)
}

func TestGroupSecretFlow(t *testing.T) {
	ctx := context.Background()
	p := open(t, testConfig(t, config.BackendMemory))

	e, err := p.CreateGroupSecret(ctx, "alice", "ops", "prod", []byte("v"), 2)
	require.NoError(t, err)
	assert.Equal(t, "alice", e.CreatedBy)

	unlocked, err := p.ApproveGroupSecret(ctx, "a", e.ID)
	require.NoError(t, err)
	assert.False(t, unlocked)
	unlocked, err = p.ApproveGroupSecret(ctx, "b", e.ID)
	require.NoError(t, err)
	assert.True(t, unlocked)

	value, err := p.RevealGroupSecret("a", e.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", string(value))
}

func TestIdentityRotationThroughPlatform(t *testing.T) {
	ctx := context.Background()
	p := open(t, testConfig(t, config.BackendMemory))

	first, err := p.Credentials.EnsureIdentity(ctx, p.Rotation)
	require.NoError(t, err)

	_, err = p.Ceilings.SetCeiling(ctx, "owner", ceiling.CeilingForRole(ceiling.RoleOwner))
	require.NoError(t, err)
	second, err := p.RotateIdentity(ctx, "owner")
	require.NoError(t, err)
	assert.NotEqual(t, first.KeyID, second.KeyID)
	assert.Len(t, p.Rotation.ArchivedKeys(), 1)
}

func TestEncryptionDisabledIsPlain(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendFile)
	disabled := false
	cfg.Encryption.Enabled = &disabled

	p := open(t, cfg)
	_, err := p.StoreSecret(ctx, "agent-1", vault.StoreRequest{TenantID: "t1", UserID: "u1", Name: "n", Plaintext: []byte("v")})
	require.NoError(t, err)

	_, err = os.Stat(KeyPath(cfg.DataDir, store.BlobVault))
	assert.True(t, os.IsNotExist(err))
}

func TestPassphraseKeySource(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendFile)
	cfg.Encryption.KeySource = config.KeySourcePassphrase
	cfg.Encryption.PassphraseEnv = "AGENTVAULT_TEST_PASSPHRASE"

	t.Setenv("AGENTVAULT_TEST_PASSPHRASE", "")
	_, err := Open(ctx, cfg, testEnv())
	require.ErrorIs(t, err, security.ErrMalformedInput)

	t.Setenv("AGENTVAULT_TEST_PASSPHRASE", "correct horse battery staple")
	p, err := Open(ctx, cfg, testEnv())
	require.NoError(t, err)
	entry, err := p.StoreSecret(ctx, "agent-1", vault.StoreRequest{TenantID: "t1", UserID: "u1", Name: "n", Plaintext: []byte("v")})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	t.Setenv("AGENTVAULT_TEST_PASSPHRASE", "wrong")
	wrong := open(t, cfg)
	_, err = wrong.RevealSecret("agent-1", entry.ID)
	assert.ErrorIs(t, err, security.ErrDecryption)
}

func TestOpenStoreUnknownKind(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Kind = "tape"
	_, err := OpenStore(context.Background(), cfg)
	assert.True(t, err != nil && strings.Contains(err.Error(), "tape"))
}

func TestCeilingGuardsRevealsAndDeletes(t *testing.T) {
	ctx := context.Background()
	p := open(t, testConfig(t, config.BackendMemory))

	require.NoError(t, p.StoreCredential(ctx, "agent-1", credentials.Credential{Name: "github", AccessToken: "tok-123"}))
	e, err := p.CreateGroupSecret(ctx, "agent-1", "ops", "prod", []byte("v"), 1)
	require.NoError(t, err)

	_, err = p.Ceilings.SetCeiling(ctx, "bot", ceiling.None)
	require.NoError(t, err)

	_, err = p.RevealCredential("bot", "github")
	assert.ErrorIs(t, err, ceiling.ErrPermissionDenied)
	assert.ErrorIs(t, p.RemoveCredential(ctx, "bot", "github"), ceiling.ErrPermissionDenied)
	assert.ErrorIs(t, p.DeleteGroupSecret(ctx, "bot", e.ID), ceiling.ErrPermissionDenied)
	_, err = p.InitIdentity(ctx, "bot")
	assert.ErrorIs(t, err, ceiling.ErrPermissionDenied)

	c, err := p.RevealCredential("agent-1", "github")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", c.AccessToken)
	_, err = p.Groups.Get(e.ID)
	require.NoError(t, err)

	require.NoError(t, p.RemoveCredential(ctx, "agent-1", "github"))
	require.NoError(t, p.DeleteGroupSecret(ctx, "agent-1", e.ID))
	assert.Empty(t, p.Credentials.ListCredentials())
	assert.Empty(t, p.Groups.ListByGroup("ops"))
}
