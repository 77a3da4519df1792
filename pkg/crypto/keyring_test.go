package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(seed byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestSealOpenPair(t *testing.T) {
	ring, err := NewKeyring(map[int][]byte{1: testKey(1)})
	require.NoError(t, err)

	tests := []struct {
		name, key, secret string
	}{
		{"typical", "XKEYabc123", "s3cr3t-value"},
		{"empty secret", "key", ""},
		{"unicode", "clé", "секрет"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encKey, encSecret, v, err := ring.SealPair("cred-1", tt.key, tt.secret)
			require.NoError(t, err)
			assert.Equal(t, 1, v)
			assert.True(t, strings.HasPrefix(encKey, "ENC[v1]:"))

			k, s, err := ring.OpenPair("cred-1", encKey, encSecret)
			require.NoError(t, err)
			assert.Equal(t, tt.key, k)
			assert.Equal(t, tt.secret, s)
		})
	}
}

func TestOpenPairRejectsSwappedMaterial(t *testing.T) {
	ring, err := NewKeyring(map[int][]byte{1: testKey(1)})
	require.NoError(t, err)

	encKey, encSecret, _, err := ring.SealPair("cred-1", "key", "secret")
	require.NoError(t, err)

	_, _, err = ring.OpenPair("cred-1", encSecret, encKey)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, _, err = ring.OpenPair("cred-2", encKey, encSecret)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestKeyRotation(t *testing.T) {
	old, err := NewKeyring(map[int][]byte{1: testKey(1)})
	require.NoError(t, err)
	encKey, encSecret, _, err := old.SealPair("c", "key", "secret")
	require.NoError(t, err)

	rotated, err := NewKeyring(map[int][]byte{1: testKey(1), 2: testKey(9)})
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.CurrentVersion())
	assert.True(t, rotated.NeedsRotation(encKey))

	k, s, err := rotated.OpenPair("c", encKey, encSecret)
	require.NoError(t, err)
	assert.Equal(t, "key", k)
	assert.Equal(t, "secret", s)

	newKey, _, v, err := rotated.SealPair("c", k, s)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.False(t, rotated.NeedsRotation(newKey))

	dropped, err := NewKeyring(map[int][]byte{2: testKey(9)})
	require.NoError(t, err)
	_, _, err = dropped.OpenPair("c", encKey, encSecret)
	assert.ErrorIs(t, err, ErrVersionMissing)
}

func TestKeyringFromEnv(t *testing.T) {
	t.Setenv("TEST_MASTER_KEY", base64.StdEncoding.EncodeToString(testKey(3)))
	t.Setenv("TEST_MASTER_KEY_V3", base64.StdEncoding.EncodeToString(testKey(5)))

	ring, err := KeyringFromEnv("TEST_MASTER_KEY")
	require.NoError(t, err)
	assert.Equal(t, 3, ring.CurrentVersion())

	_, err = KeyringFromEnv("TEST_MISSING_KEY")
	assert.ErrorIs(t, err, ErrNoKeys)
}

func TestInvalidInputs(t *testing.T) {
	_, err := NewKeyring(map[int][]byte{1: []byte("short")})
	assert.ErrorIs(t, err, ErrInvalidKey)

	assert.Equal(t, 0, ParseVersion("plaintext"))
	assert.Equal(t, 7, ParseVersion("ENC[v7]:abc"))

	key, err := GenerateKey()
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(key)
	require.NoError(t, err)
	assert.Len(t, raw, KeySize)
}
