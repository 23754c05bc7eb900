// Package secrets encrypts small secret strings for storage with an authenticated cipher.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the master key length in bytes.
	KeySize = 32
	// MaxPlaintextSize bounds a single secret value.
	MaxPlaintextSize = 64 << 10

	nonceSize = 24
)

var (
	ErrInvalidKey       = errors.New("invalid master key")
	ErrTooLarge         = errors.New("plaintext too large")
	ErrMalformed        = errors.New("malformed ciphertext encoding")
	ErrTruncated        = errors.New("ciphertext too short")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Codec encrypts and decrypts secret strings with a process-wide master key.
// Tokens are base64url(nonce || secretbox(plaintext)).
type Codec struct {
	key [KeySize]byte
}

// NewCodec creates a Codec from a raw 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	c := &Codec{}
	copy(c.key[:], key)
	return c, nil
}

// NewCodecFromBase64 creates a Codec from a base64 encoded key. Both standard and URL
// alphabets are accepted.
func NewCodecFromBase64(encoded string) (*Codec, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.URLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: key is not valid base64", ErrInvalidKey)
	}
	return NewCodec(key)
}

// GenerateKey returns a fresh random key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if len(plaintext) > MaxPlaintextSize {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(plaintext), MaxPlaintextSize)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt. Truncated, badly encoded or tampered
// tokens return an error and never partial plaintext.
func (c *Codec) Decrypt(token string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrMalformed
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrTruncated
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
