package security

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeySourceCreatesOwnerOnlyKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault", ".vault_key")
	src := FileKeySource{Path: path}

	key, err := src.LoadOrCreate(rand.Reader)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again, err := src.LoadOrCreate(rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestFileKeySourceRejectsCorruptKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".vault_key")
	require.NoError(t, os.WriteFile(path, []byte("c2hvcnQ="), 0600))

	_, err := FileKeySource{Path: path}.LoadOrCreate(rand.Reader)
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestFileKeySourceRNGFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".vault_key")
	_, err := FileKeySource{Path: path}.LoadOrCreate(failingReader{})
	assert.ErrorIs(t, err, ErrRNG)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestKeyringKeySource(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	src := KeyringKeySource{Ring: ring, Item: "vault_store"}

	key, err := src.LoadOrCreate(rand.Reader)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	again, err := src.LoadOrCreate(rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, key, again)

	require.NoError(t, ring.Set(keyring.Item{Key: "broken", Data: []byte("%%%")}))
	_, err = KeyringKeySource{Ring: ring, Item: "broken"}.LoadOrCreate(rand.Reader)
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestPassphraseKeySourceSeparatesPurposes(t *testing.T) {
	saltPath := filepath.Join(t.TempDir(), ".salt")
	a := PassphraseKeySource{Passphrase: []byte("correct horse"), SaltPath: saltPath, Purpose: "vault_store"}
	b := PassphraseKeySource{Passphrase: []byte("correct horse"), SaltPath: saltPath, Purpose: "group_vault"}

	keyA, err := a.LoadOrCreate(rand.Reader)
	require.NoError(t, err)
	keyA2, err := a.LoadOrCreate(rand.Reader)
	require.NoError(t, err)
	keyB, err := b.LoadOrCreate(rand.Reader)
	require.NoError(t, err)

	assert.Len(t, keyA, KeySize)
	assert.Equal(t, keyA, keyA2)
	assert.NotEqual(t, keyA, keyB)

	_, err = PassphraseKeySource{SaltPath: saltPath, Purpose: "x"}.LoadOrCreate(rand.Reader)
	assert.ErrorIs(t, err, ErrMalformedInput)
}
