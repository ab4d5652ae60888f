package settings

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealPrefix = "sealed:v1:"

	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	saltLen      = 16
)

var (
	// ErrSealed is returned when a sealed value is read without a secret.
	ErrSealed = errors.New("settings: value is sealed but no secret is configured")

	// ErrUnseal is returned when a sealed value cannot be opened, usually
	// because the secret changed.
	ErrUnseal = errors.New("settings: unseal failed")
)

// Sealer encrypts setting values with a key derived from a passphrase.
// Each value gets its own salt and nonce:
//
//	sealed:v1:base64(salt || nonce || ciphertext)
type Sealer struct {
	secret []byte
}

// NewSealer creates a Sealer for the given passphrase.
func NewSealer(secret string) *Sealer {
	return &Sealer{secret: []byte(secret)}
}

// IsSealed reports whether v was produced by Seal.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealPrefix)
}

func (s *Sealer) key(salt []byte) []byte {
	return argon2.IDKey(s.secret, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("settings: generate salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return "", fmt.Errorf("settings: create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("settings: generate nonce: %w", err)
	}

	out := make([]byte, 0, saltLen+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), []byte(KeyAPIKey))
	return sealPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", fmt.Errorf("settings: invalid sealed value")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealPrefix))
	if err != nil {
		return "", fmt.Errorf("settings: decode sealed value: %w", err)
	}
	if len(raw) < saltLen+chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("settings: sealed value too short")
	}
	salt := raw[:saltLen]
	nonce := raw[saltLen : saltLen+chacha20poly1305.NonceSizeX]
	ciphertext := raw[saltLen+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return "", fmt.Errorf("settings: create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(KeyAPIKey))
	if err != nil {
		return "", ErrUnseal
	}
	return string(plaintext), nil
}
