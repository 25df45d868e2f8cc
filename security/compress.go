// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression types accepted in configuration.
const (
	CompressionS2   = "s2"
	CompressionZstd = "zstd"
)

// Leading byte of every exported payload.
const (
	markRaw byte = iota
	markS2
	markZstd
)

// Compressor compresses payloads of at least minSize bytes. Smaller payloads
// are sent as is behind a one-byte marker.
type Compressor struct {
	kind    byte
	minSize int
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// NewCompressor creates a compressor for the given type ("s2" or "zstd").
func NewCompressor(typ string, minSize int) (*Compressor, error) {
	c := &Compressor{minSize: minSize}

	switch typ {
	case CompressionS2, "":
		c.kind = markS2
	case CompressionZstd:
		c.kind = markZstd
	default:
		return nil, fmt.Errorf("unknown compression type %q", typ)
	}

	// Peers may answer with zstd even when we encode with s2.
	var err error
	c.dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	if c.kind == markZstd {
		c.enc, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}

	return c, nil
}

func (c *Compressor) Export(raw []byte, _ string) ([]byte, error) {
	if len(raw) < c.minSize {
		return append([]byte{markRaw}, raw...), nil
	}

	switch c.kind {
	case markZstd:
		return c.enc.EncodeAll(raw, []byte{markZstd}), nil
	default:
		out := make([]byte, 1, 1+s2.MaxEncodedLen(len(raw)))
		out[0] = markS2
		return append(out, s2.Encode(nil, raw)...), nil
	}
}

func (c *Compressor) Import(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, ErrMalformed
	}

	switch raw[0] {
	case markRaw:
		return raw[1:], nil
	case markS2:
		out, err := s2.Decode(nil, raw[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return out, nil
	case markZstd:
		out, err := c.dec.DecodeAll(raw[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression marker %d", ErrMalformed, raw[0])
	}
}
