package tenant

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	aesKeyLen        = 32
	sealPrefix       = "v1:"
	defaultSalt      = "portfolio-watch-bot"
)

// ErrUnseal is returned when a sealed value cannot be opened with the current key.
var ErrUnseal = errors.New("cannot unseal value")

// Sealer encrypts secrets at rest with AES-256-GCM. The key is derived once
// from the master secret with PBKDF2-HMAC-SHA256.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer derives the encryption key. An empty salt uses a fixed default.
func NewSealer(masterKey, salt string) (*Sealer, error) {
	if masterKey == "" {
		return nil, errors.New("master key must not be empty")
	}
	if salt == "" {
		salt = defaultSalt
	}
	key := pbkdf2.Key([]byte(masterKey), []byte(salt), pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal encrypts plaintext into a printable string.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	out := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, ok := strings.CutPrefix(sealed, sealPrefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrUnseal)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	ns := s.gcm.NonceSize()
	if len(data) < ns {
		return "", fmt.Errorf("%w: too short", ErrUnseal)
	}
	plain, err := s.gcm.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	return string(plain), nil
}
