// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEAD encrypts payloads with XChaCha20-Poly1305. The random nonce is
// prepended to the ciphertext.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD creates an encrypting interceptor from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes, got %d", ErrKeySize, chacha20poly1305.KeySize, len(key))
	}
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &AEAD{aead: a}, nil
}

// Export seals raw with the method name bound as additional data.
func (a *AEAD) Export(raw []byte, method string) ([]byte, error) {
	if len(method) > 255 {
		method = method[:255]
	}
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(method)+len(raw)+a.aead.Overhead()+1)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := append(nonce, byte(len(method)))
	out = append(out, method...)
	return a.aead.Seal(out, nonce, raw, []byte(method)), nil
}

func (a *AEAD) Import(raw []byte) ([]byte, error) {
	ns := a.aead.NonceSize()
	if len(raw) < ns+1 {
		return nil, ErrMalformed
	}
	nonce, rest := raw[:ns], raw[ns:]
	ml := int(rest[0])
	if len(rest) < 1+ml+a.aead.Overhead() {
		return nil, ErrMalformed
	}
	method, sealed := rest[1:1+ml], rest[1+ml:]

	out, err := a.aead.Open(nil, nonce, sealed, method)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	return out, nil
}
