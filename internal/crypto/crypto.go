// Package crypto protects remote credentials at rest.
//
// Tokens are sealed with AES-256-GCM. The key is derived with HKDF-SHA256
// from a machine identifier, so a config file copied to another machine
// cannot decrypt its tokens.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"

	apperrors "github.com/dukanx/backend/internal/errors"
)

const (
	keySize = 32

	// tokenPrefix marks ciphertext produced by EncryptToken.
	tokenPrefix = "v1:"
)

var (
	hkdfSalt = []byte("dukanx-sync")
	hkdfInfo = []byte("remote-token")
)

// DeriveKey derives a 32-byte AES key from a machine identifier.
func DeriveKey(machineID string) ([]byte, error) {
	if machineID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "machine id is required")
	}
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(machineID), hkdfSalt, hkdfInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "derive key", err)
	}
	return key, nil
}

// Encrypt seals plaintext with key. The nonce is prepended to the output.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "generate nonce", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(data, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(data) < n+gcm.Overhead() {
		return nil, apperrors.New(apperrors.ErrCryptoFailed, "ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "invalid ciphertext", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "create gcm", err)
	}
	return gcm, nil
}

// EncryptToken encrypts a bearer token for storage in config.
func EncryptToken(token, machineID string) (string, error) {
	if token == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "token cannot be empty")
	}
	key, err := DeriveKey(machineID)
	if err != nil {
		return "", err
	}
	sealed, err := Encrypt([]byte(token), key)
	if err != nil {
		return "", err
	}
	return tokenPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptToken reverses EncryptToken. An empty input means no token is set.
func DecryptToken(encrypted, machineID string) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	if len(encrypted) <= len(tokenPrefix) || encrypted[:len(tokenPrefix)] != tokenPrefix {
		return "", apperrors.New(apperrors.ErrCryptoFailed, "unrecognized token format")
	}
	data, err := base64.StdEncoding.DecodeString(encrypted[len(tokenPrefix):])
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "decode token", err)
	}
	key, err := DeriveKey(machineID)
	if err != nil {
		return "", err
	}
	plaintext, err := Decrypt(data, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
