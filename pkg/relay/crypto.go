// Copyright 2024-2026 Aiku AI

package relay

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"strings"

	"go.mau.fi/util/random"
)

// sealedPrefix tags encrypted values so legacy plaintext rows written before
// encryption was enabled stay recognizable and can be migrated in place.
const sealedPrefix = "v1:"

// SecretBox seals webhook tokens at rest with AES-256-GCM.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox creates a box from a 32-byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// Seal encrypts a token with a random nonce and returns the tagged value.
func (b *SecretBox) Seal(plaintext string) string {
	nonce := random.Bytes(b.aead.NonceSize())
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed)
}

// Open decrypts a stored value. Untagged values are legacy plaintext and are
// returned unchanged without touching the cipher, with legacy set. A tagged
// value that fails to decode or authenticate is corrupt.
func (b *SecretBox) Open(value string) (plaintext string, legacy bool, err error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, true, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", false, fmt.Errorf("corrupt sealed token: %w", err)
	}
	if len(raw) < b.aead.NonceSize() {
		return "", false, fmt.Errorf("corrupt sealed token: too short")
	}
	nonce, ct := raw[:b.aead.NonceSize()], raw[b.aead.NonceSize():]
	out, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", false, fmt.Errorf("corrupt sealed token: %w", err)
	}
	return string(out), false, nil
}
