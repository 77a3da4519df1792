// Package crypto seals exchange key material at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of GCM nonce (12 bytes)
	NonceSize = 12

	envelopePrefix = "ENC[v"
	envelopeFormat = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// sealer encrypts with one key version. The associated data binds a
// ciphertext to the row and column it was written for, so swapping the key
// and secret columns (or copying them between rows) fails to open.
type sealer struct {
	aead    cipher.AEAD
	version int
}

func newSealer(key []byte, version int) (*sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &sealer{aead: aead, version: version}, nil
}

// seal returns ENC[vN]:base64(nonce+ciphertext).
func (s *sealer) seal(plaintext, aad string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return fmt.Sprintf(envelopeFormat, s.version) + base64.StdEncoding.EncodeToString(out), nil
}

func (s *sealer) open(envelope, aad string) (string, error) {
	idx := strings.Index(envelope, "]:")
	if !strings.HasPrefix(envelope, envelopePrefix) || idx == -1 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(envelope[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := s.aead.Open(nil, data[:NonceSize], data[NonceSize:], []byte(aad))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// ParseVersion extracts the key version from an envelope; 0 when malformed.
func ParseVersion(envelope string) int {
	if !strings.HasPrefix(envelope, envelopePrefix) {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(envelope, envelopeFormat, &version); err != nil {
		return 0
	}
	return version
}
