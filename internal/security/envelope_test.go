package security

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec(testKey(t), rand.Reader)
	require.NoError(t, err)

	for _, plaintext := range [][]byte{
		{},
		[]byte("x"),
		[]byte("ghp_0123456789abcdef"),
		bytes.Repeat([]byte{0xAB}, 4096),
	} {
		sealed, err := codec.Seal(plaintext)
		require.NoError(t, err)

		opened, err := codec.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, len(plaintext), len(opened))
		assert.True(t, bytes.Equal(plaintext, opened))
	}
}

func TestCodecFreshNonce(t *testing.T) {
	codec, err := NewCodec(testKey(t), rand.Reader)
	require.NoError(t, err)

	a, err := codec.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := codec.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	rawA, _ := base64.StdEncoding.DecodeString(a)
	rawB, _ := base64.StdEncoding.DecodeString(b)
	assert.NotEqual(t, rawA[:NonceSize], rawB[:NonceSize])

	for _, s := range []string{a, b} {
		opened, err := codec.Open(s)
		require.NoError(t, err)
		assert.Equal(t, "same", string(opened))
	}
}

func TestCodecDetectsTampering(t *testing.T) {
	codec, err := NewCodec(testKey(t), rand.Reader)
	require.NoError(t, err)

	sealed, err := codec.Seal([]byte("top secret"))
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)

	raw[NonceSize+2] ^= 0x01
	_, err = codec.Open(base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestCodecWrongKey(t *testing.T) {
	a, err := NewCodec(testKey(t), rand.Reader)
	require.NoError(t, err)
	b, err := NewCodec(testKey(t), rand.Reader)
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("payload"))
	require.NoError(t, err)
	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestCodecMalformedInput(t *testing.T) {
	codec, err := NewCodec(testKey(t), rand.Reader)
	require.NoError(t, err)

	_, err = codec.Open("not base64 !!")
	assert.ErrorIs(t, err, ErrMalformedInput)

	short := base64.StdEncoding.EncodeToString(make([]byte, NonceSize+TagSize-1))
	_, err = codec.Open(short)
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestCodecRejectsBadKey(t *testing.T) {
	_, err := NewCodec(make([]byte, 16), rand.Reader)
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestCodecRNGFailure(t *testing.T) {
	codec, err := NewCodec(testKey(t), failingReader{})
	require.NoError(t, err)

	_, err = codec.Seal([]byte("payload"))
	assert.ErrorIs(t, err, ErrRNG)
}

func TestPlainCodec(t *testing.T) {
	codec := NewPlainCodec()
	assert.False(t, codec.Enabled())

	sealed, err := codec.Seal([]byte("visible"))
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("visible")), sealed)

	opened, err := codec.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "visible", string(opened))
}
