package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
)

var (
	ErrNoKeys         = errors.New("keyring has no keys")
	ErrVersionMissing = errors.New("key version not configured")
)

// Keyring holds every configured key version; new material is always sealed
// with the highest version so keys can be rotated without a migration.
type Keyring struct {
	sealers map[int]*sealer
	current int
}

// NewKeyring builds a keyring from raw 32-byte keys indexed by version.
func NewKeyring(keys map[int][]byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	k := &Keyring{sealers: make(map[int]*sealer, len(keys))}
	versions := make([]int, 0, len(keys))
	for v := range keys {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	for _, v := range versions {
		if v <= 0 {
			return nil, fmt.Errorf("key version %d: versions start at 1", v)
		}
		s, err := newSealer(keys[v], v)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", v, err)
		}
		k.sealers[v] = s
		k.current = v
	}
	return k, nil
}

// KeyringFromEnv loads base64 keys from prefix (version 1) and prefix_V2..V10.
func KeyringFromEnv(prefix string) (*Keyring, error) {
	keys := make(map[int][]byte)
	for v := 1; v <= 10; v++ {
		name := prefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", prefix, v)
		}
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		keys[v] = key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s: %w", prefix, ErrNoKeys)
	}
	return NewKeyring(keys)
}

// CurrentVersion is the version used for new material.
func (k *Keyring) CurrentVersion() int { return k.current }

// SealPair encrypts a credential's key and secret, each bound to the
// credential id and its column.
func (k *Keyring) SealPair(credentialID, apiKey, secret string) (encKey, encSecret string, version int, err error) {
	s := k.sealers[k.current]
	if encKey, err = s.seal(apiKey, aad(credentialID, "api_key")); err != nil {
		return "", "", 0, err
	}
	if encSecret, err = s.seal(secret, aad(credentialID, "api_secret")); err != nil {
		return "", "", 0, err
	}
	return encKey, encSecret, k.current, nil
}

// OpenPair reverses SealPair using whichever version each envelope names.
func (k *Keyring) OpenPair(credentialID, encKey, encSecret string) (apiKey, secret string, err error) {
	if apiKey, err = k.open(encKey, aad(credentialID, "api_key")); err != nil {
		return "", "", fmt.Errorf("open api key: %w", err)
	}
	if secret, err = k.open(encSecret, aad(credentialID, "api_secret")); err != nil {
		return "", "", fmt.Errorf("open api secret: %w", err)
	}
	return apiKey, secret, nil
}

// NeedsRotation reports whether an envelope was sealed with an older version.
func (k *Keyring) NeedsRotation(envelope string) bool {
	v := ParseVersion(envelope)
	return v != 0 && v != k.current
}

func (k *Keyring) open(envelope, aad string) (string, error) {
	v := ParseVersion(envelope)
	if v == 0 {
		return "", ErrInvalidCiphertext
	}
	s, ok := k.sealers[v]
	if !ok {
		return "", fmt.Errorf("v%d: %w", v, ErrVersionMissing)
	}
	return s.open(envelope, aad)
}

func aad(credentialID, column string) string {
	return credentialID + "/" + column
}

// GenerateKey returns a random base64 key suitable for the environment.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
