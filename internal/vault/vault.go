// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vault encrypts OAuth tokens at rest. The key is derived once from
// process configuration and never embedded in the binary.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrCrypto is returned for malformed ciphertexts and key mismatches.
var ErrCrypto = errors.New("vault: crypto error")

// keyVersion prefixes every ciphertext so a rotated key can be told apart.
const keyVersion byte = 1

// minSecretLen is the shortest secret accepted as key material.
const minSecretLen = 32

const hkdfInfo = "mail-account-tokens/v1"

// Vault is a symmetric AEAD cipher for token strings.
type Vault struct {
	aead cipher.AEAD
}

// New derives the vault key from secret.
func New(secret string) (*Vault, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("vault secret must be at least %d bytes", minSecretLen)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64 ciphertext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead()+1)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: read nonce: %v", ErrCrypto, err)
	}

	out := append([]byte{keyVersion}, nonce...)
	out = v.aead.Seal(out, nonce, []byte(plaintext), []byte{keyVersion})
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrCrypto, err)
	}

	ns := v.aead.NonceSize()
	if len(raw) < 1+ns+v.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}
	if raw[0] != keyVersion {
		return "", fmt.Errorf("%w: unknown key version %d", ErrCrypto, raw[0])
	}

	nonce, sealed := raw[1:1+ns], raw[1+ns:]
	plain, err := v.aead.Open(nil, nonce, sealed, raw[:1])
	if err != nil {
		return "", fmt.Errorf("%w: open: %v", ErrCrypto, err)
	}
	return string(plain), nil
}
