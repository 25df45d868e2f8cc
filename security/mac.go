// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"crypto/subtle"
	"fmt"

	"github.com/zeebo/blake3"
)

const macSize = 32

// MAC appends a keyed BLAKE3 tag to payloads and verifies it on import.
type MAC struct {
	key []byte
}

// NewMAC creates an integrity interceptor from a 32-byte key.
func NewMAC(key []byte) (*MAC, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: mac key must be 32 bytes, got %d", ErrKeySize, len(key))
	}
	return &MAC{key: append([]byte(nil), key...)}, nil
}

func (m *MAC) tag(data []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(m.key)
	if err != nil {
		return nil, err
	}
	if _, err := h.Write(data); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func (m *MAC) Export(raw []byte, _ string) ([]byte, error) {
	t, err := m.tag(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compute mac: %w", err)
	}
	out := make([]byte, 0, len(raw)+macSize)
	out = append(out, raw...)
	return append(out, t...), nil
}

func (m *MAC) Import(raw []byte) ([]byte, error) {
	if len(raw) < macSize {
		return nil, ErrMalformed
	}
	data, got := raw[:len(raw)-macSize], raw[len(raw)-macSize:]

	want, err := m.tag(data)
	if err != nil {
		return nil, fmt.Errorf("failed to compute mac: %w", err)
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, ErrIntegrity
	}
	return data, nil
}
