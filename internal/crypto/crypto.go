// Package crypto seals user secrets at rest in the users file.
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

// Prefix marks a sealed value so plain and sealed secrets can share a field.
const Prefix = "sealed:"

var ErrNoKey = errors.New("crypto: no key configured")

// AEAD is AES-GCM with a random nonce prepended to every ciphertext.
type AEAD struct{ aead cipher.AEAD }

// New accepts a 16, 24 or 32 byte key.
func New(key []byte) (*AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: a}, nil
}

// Seal encrypts plaintext bound to userID and returns a Prefix-tagged string.
func (a *AEAD) Seal(userID, plaintext string) (string, error) {
	if a == nil {
		return "", ErrNoKey
	}
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := a.aead.Seal(nil, nonce, []byte(plaintext), []byte(userID))
	buf := append(nonce, ct...)
	return Prefix + base64.RawStdEncoding.EncodeToString(buf), nil
}

// Open reverses Seal. The same userID must be supplied.
func (a *AEAD) Open(userID, sealed string) (string, error) {
	if a == nil {
		return "", ErrNoKey
	}
	buf, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, Prefix))
	if err != nil {
		return "", fmt.Errorf("crypto: decode: %w", err)
	}
	ns := a.aead.NonceSize()
	if len(buf) < ns {
		return "", errors.New("crypto: ciphertext too short")
	}
	pt, err := a.aead.Open(nil, buf[:ns], buf[ns:], []byte(userID))
	if err != nil {
		return "", fmt.Errorf("crypto: open: %w", err)
	}
	return string(pt), nil
}

// IsSealed reports whether s carries the sealed prefix.
func IsSealed(s string) bool { return strings.HasPrefix(s, Prefix) }
