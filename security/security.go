// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package security provides the interceptors that transform payloads on their
// way to and from a remote peer.
package security

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/absmach/fluxdispatch/config"
)

var (
	ErrMalformed = errors.New("malformed protected payload")
	ErrIntegrity = errors.New("payload integrity check failed")
	ErrKeySize   = errors.New("invalid key size")
)

// Interceptor transforms outgoing payloads (Export) and incoming results
// (Import). Implementations must be free of side effects and safe for
// concurrent use; Import(Export(p)) must return p.
type Interceptor interface {
	Export(raw []byte, method string) ([]byte, error)
	Import(raw []byte) ([]byte, error)
}

// Passthrough is the null interceptor.
type Passthrough struct{}

func (Passthrough) Export(raw []byte, _ string) ([]byte, error) { return raw, nil }
func (Passthrough) Import(raw []byte) ([]byte, error)           { return raw, nil }

// Chain applies interceptors in order on export and in reverse on import.
type Chain []Interceptor

func (c Chain) Export(raw []byte, method string) ([]byte, error) {
	var err error
	for _, i := range c {
		if raw, err = i.Export(raw, method); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func (c Chain) Import(raw []byte) ([]byte, error) {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		if raw, err = c[i].Import(raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// Stage names accepted in configuration.
const (
	StageCompress = "compress"
	StageEncrypt  = "encrypt"
	StageMAC      = "mac"
)

// New builds the configured interceptor chain. It returns nil when security
// is disabled, which callers treat as running without protection.
func New(cfg config.SecurityConfig) (Interceptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	chain := make(Chain, 0, len(cfg.Stages))
	for _, stage := range cfg.Stages {
		switch stage {
		case StageCompress:
			c, err := NewCompressor(cfg.Compression.Type, cfg.Compression.MinSize)
			if err != nil {
				return nil, err
			}
			chain = append(chain, c)
		case StageEncrypt:
			key, err := hex.DecodeString(cfg.EncryptionKey)
			if err != nil {
				return nil, fmt.Errorf("failed to decode security.encryption_key: %w", err)
			}
			a, err := NewAEAD(key)
			if err != nil {
				return nil, err
			}
			chain = append(chain, a)
		case StageMAC:
			key, err := hex.DecodeString(cfg.MACKey)
			if err != nil {
				return nil, fmt.Errorf("failed to decode security.mac_key: %w", err)
			}
			m, err := NewMAC(key)
			if err != nil {
				return nil, err
			}
			chain = append(chain, m)
		default:
			return nil, fmt.Errorf("unknown security stage %q", stage)
		}
	}

	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}
