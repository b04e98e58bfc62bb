package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/agentvault/internal/security"
	"github.com/avaropoint/agentvault/internal/store"
)

func testEnv() security.Env {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	log := logrus.New()
	log.SetOutput(io.Discard)
	return security.Env{
		Clock: security.ClockFunc(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(time.Second)
			return now
		}),
		Logger: log,
	}
}

func newKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, security.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newVault(t *testing.T, blobs store.Store, key []byte) *Vault {
	t.Helper()
	codec, err := security.NewCodec(key, rand.Reader)
	require.NoError(t, err)
	v, err := New(context.Background(), blobs, codec, testEnv())
	require.NoError(t, err)
	return v
}

func TestStoreAndDecrypt(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, store.NewMemoryStore(), newKey(t))

	entry, err := v.Store(ctx, StoreRequest{
		TenantID:       "t1",
		UserID:         "u1",
		Name:           "github",
		CredentialType: "oauth",
		Plaintext:      []byte("gho_secret"),
		Metadata:       map[string]any{"scope": "repo"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)

	plaintext, err := v.GetDecrypted(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "gho_secret", string(plaintext))

	_, err = v.GetDecrypted("missing")
	assert.ErrorIs(t, err, security.ErrNotFound)
}

func TestStoreOverwritesByScopeAndName(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, store.NewMemoryStore(), newKey(t))

	first, err := v.Store(ctx, StoreRequest{TenantID: "t1", UserID: "u1", Name: "github", CredentialType: "oauth", Plaintext: []byte("one")})
	require.NoError(t, err)
	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	second, err := v.Store(ctx, StoreRequest{TenantID: "t1", UserID: "u1", Name: "github", Plaintext: []byte("two"), ExpiresAt: &expires})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "oauth", second.CredentialType)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	require.NotNil(t, second.ExpiresAt)

	entries := v.ListByScope("t1", "u1")
	require.Len(t, entries, 1)
	assert.Equal(t, "github", entries[0].Name)

	plaintext, err := v.GetDecrypted(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "two", string(plaintext))

	other, err := v.Store(ctx, StoreRequest{TenantID: "t1", UserID: "u2", Name: "github", Plaintext: []byte("three")})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Len(t, v.ListByTenant("t1"), 2)
	assert.Len(t, v.ListByUser("u2"), 1)
}

func TestListingNeverExposesSecrets(t *testing.T) {
	ctx := context.Background()
	blobs := store.NewMemoryStore()
	v := newVault(t, blobs, newKey(t))

	_, err := v.Store(ctx, StoreRequest{TenantID: "t1", UserID: "u1", Name: "aws", Plaintext: []byte("AKIA-very-secret")})
	require.NoError(t, err)

	raw, _, err := blobs.Read(ctx, store.BlobVault)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "AKIA-very-secret"))
	assert.False(t, strings.Contains(string(raw), base64.StdEncoding.EncodeToString([]byte("AKIA-very-secret"))))
	assert.Contains(t, string(raw), `"encrypted_value"`)
}

func TestTamperedEntryFailsDecryption(t *testing.T) {
	ctx := context.Background()
	blobs := store.NewMemoryStore()
	key := newKey(t)
	v := newVault(t, blobs, key)

	entry, err := v.Store(ctx, StoreRequest{TenantID: "t1", UserID: "u1", Name: "db", Plaintext: []byte("hunter2")})
	require.NoError(t, err)

	other := newVault(t, blobs, newKey(t))
	_, err = other.GetDecrypted(entry.ID)
	assert.ErrorIs(t, err, security.ErrDecryption)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, store.NewMemoryStore(), newKey(t))

	a, err := v.Store(ctx, StoreRequest{TenantID: "t1", UserID: "u1", Name: "a", Plaintext: []byte("1")})
	require.NoError(t, err)
	_, err = v.Store(ctx, StoreRequest{TenantID: "t1", UserID: "u2", Name: "b", Plaintext: []byte("2")})
	require.NoError(t, err)
	_, err = v.Store(ctx, StoreRequest{TenantID: "t2", UserID: "u2", Name: "c", Plaintext: []byte("3")})
	require.NoError(t, err)

	require.NoError(t, v.Delete(ctx, "does-not-exist"))
	require.NoError(t, v.Delete(ctx, a.ID))
	_, err = v.Get(a.ID)
	assert.ErrorIs(t, err, security.ErrNotFound)

	require.NoError(t, v.DeleteByTenant(ctx, "t2"))
	assert.Empty(t, v.ListByTenant("t2"))
	require.NoError(t, v.DeleteByUser(ctx, "u2"))
	assert.Empty(t, v.ListByUser("u2"))
}

func TestPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	blobs := store.NewMemoryStore()
	key := newKey(t)
	v := newVault(t, blobs, key)

	entry, err := v.Store(ctx, StoreRequest{TenantID: "t1", UserID: "u1", Name: "slack", Plaintext: []byte("xoxb")})
	require.NoError(t, err)

	reloaded := newVault(t, blobs, key)
	plaintext, err := reloaded.GetDecrypted(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "xoxb", string(plaintext))
}

func TestSetEncryptionKeyDoesNotReseal(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, store.NewMemoryStore(), newKey(t))

	entry, err := v.Store(ctx, StoreRequest{TenantID: "t1", UserID: "u1", Name: "old", Plaintext: []byte("v1")})
	require.NoError(t, err)

	require.NoError(t, v.SetEncryptionKey(newKey(t)))
	_, err = v.GetDecrypted(entry.ID)
	assert.ErrorIs(t, err, security.ErrDecryption)

	assert.ErrorIs(t, v.SetEncryptionKey([]byte("short")), security.ErrMalformedInput)
}

func TestRekey(t *testing.T) {
	ctx := context.Background()
	blobs := store.NewMemoryStore()
	v := newVault(t, blobs, newKey(t))

	entry, err := v.Store(ctx, StoreRequest{TenantID: "t1", UserID: "u1", Name: "k", Plaintext: []byte("carried over")})
	require.NoError(t, err)

	next := newKey(t)
	require.NoError(t, v.Rekey(ctx, next))

	plaintext, err := v.GetDecrypted(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "carried over", string(plaintext))

	reloaded := newVault(t, blobs, next)
	plaintext, err = reloaded.GetDecrypted(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "carried over", string(plaintext))
}

func TestExpiryIsAdvisory(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, store.NewMemoryStore(), newKey(t))

	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	entry, err := v.Store(ctx, StoreRequest{TenantID: "t1", UserID: "u1", Name: "stale", Plaintext: []byte("still here"), ExpiresAt: &past})
	require.NoError(t, err)

	assert.True(t, entry.IsExpired(time.Now()))
	plaintext, err := v.GetDecrypted(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(plaintext))
}

func TestStoreRequiresScope(t *testing.T) {
	v := newVault(t, store.NewMemoryStore(), newKey(t))
	_, err := v.Store(context.Background(), StoreRequest{TenantID: "t1", Name: "x"})
	assert.ErrorIs(t, err, security.ErrMalformedInput)
}

func TestStoreCopiesCallerInputs(t *testing.T) {
	ctx := context.Background()
	blobs := store.NewMemoryStore()
	key := newKey(t)
	v := newVault(t, blobs, key)

	md := map[string]any{"scope": "repo"}
	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	entry, err := v.Store(ctx, StoreRequest{TenantID: "t1", UserID: "u1", Name: "github", Plaintext: []byte("x"), Metadata: md, ExpiresAt: &expires})
	require.NoError(t, err)

	md["scope"] = "admin"
	expires = expires.AddDate(10, 0, 0)
	entry.Metadata["scope"] = "root"
	*entry.ExpiresAt = time.Time{}

	got, err := v.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "repo", got.Metadata["scope"])
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)))

	reloaded, err := newVault(t, blobs, key).Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Metadata, reloaded.Metadata)
	assert.True(t, got.ExpiresAt.Equal(*reloaded.ExpiresAt))
}

func TestConcurrentUse(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, store.NewMemoryStore(), newKey(t))

	seed, err := v.Store(ctx, StoreRequest{TenantID: "t1", UserID: "u0", Name: "seed", Plaintext: []byte("seed"), Metadata: map[string]any{"k": "v"}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := v.Store(ctx, StoreRequest{
					TenantID:  "t1",
					UserID:    fmt.Sprintf("u%d", i),
					Name:      fmt.Sprintf("n%d", j%3),
					Plaintext: []byte("value"),
					Metadata:  map[string]any{"j": j},
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := v.GetDecrypted(seed.ID); err != nil {
					errs <- err
					return
				}
				for _, e := range v.ListByTenant("t1") {
					_ = e.Metadata["j"]
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// 8 writers, 3 names each, plus the seed.
	assert.Len(t, v.ListByTenant("t1"), 8*3+1)
}
