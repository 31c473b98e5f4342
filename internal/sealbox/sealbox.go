// Package sealbox encrypts relay envelopes with a shared session key.
package sealbox

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/gosuda/tether/internal/event"
)

//nolint:gochecknoglobals // sentinel error
var ErrInvalidKey = errors.New("sealbox: invalid key")

// ErrOpen is returned for any payload that cannot be decoded or authenticated.
//
//nolint:gochecknoglobals // sentinel error
var ErrOpen = errors.New("sealbox: cannot open payload")

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

// Box seals and opens payloads with XChaCha20-Poly1305.
type Box struct {
	aead cipher.AEAD
}

// New creates a Box from a 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("sealbox.New: %w", err)
	}

	return &Box{aead: aead}, nil
}

// ParseKey decodes a base64 (standard or URL alphabet) encoded key.
func ParseKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(s)
		if err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, ErrInvalidKey
}

// GenerateKey returns a fresh random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("sealbox.GenerateKey: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (b *Box) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("sealbox.Seal: generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (b *Box) Open(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("sealbox.Open: base64 decode: %w", ErrOpen)
	}

	nonceSize := b.aead.NonceSize()
	if len(data) < nonceSize+b.aead.Overhead() {
		return nil, fmt.Errorf("sealbox.Open: payload too short: %w", ErrOpen)
	}

	plaintext, err := b.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("sealbox.Open: %w", ErrOpen)
	}

	return plaintext, nil
}

// SealEnvelope encodes and encrypts an envelope.
func (b *Box) SealEnvelope(env event.Envelope) (string, error) {
	data, err := event.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("sealbox.SealEnvelope: %w", err)
	}
	return b.Seal(data)
}

// OpenEnvelope decrypts and decodes an envelope.
func (b *Box) OpenEnvelope(payload string) (event.Envelope, error) {
	data, err := b.Open(payload)
	if err != nil {
		return event.Envelope{}, err
	}
	env, err := event.Unmarshal(data)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("sealbox.OpenEnvelope: %w", err)
	}
	return env, nil
}
