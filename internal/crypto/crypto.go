// Package crypto seals training data at rest and hashes API keys for lookup.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strings"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// sealedPrefix marks values written by Encryptor so plaintext rows written
// before encryption was enabled can still be read.
const sealedPrefix = "enc:v1:"

type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives an AES-256-GCM key from an arbitrary passphrase.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	key := sha256.Sum256([]byte(passphrase))
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{aead: gcm}, nil
}

func (e *Encryptor) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the sealed prefix are returned unchanged.
func (e *Encryptor) Open(value string) ([]byte, error) {
	if !IsSealed(value) {
		return []byte(value), nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return nil, err
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return e.aead.Open(nil, nonce, ciphertext, nil)
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
