// Package compression selects the codec used for run file pages.
package compression

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Type identifies a page codec.
type Type uint8

const (
	// None stores pages uncompressed
	None Type = iota

	// Snappy is fast with reasonable ratios
	Snappy

	// S2 is faster than Snappy with better ratios
	S2

	// Zstd trades CPU for the best ratios
	Zstd
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case S2:
		return "s2"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Codec compresses and decompresses run pages. Implementations are
// safe for concurrent use.
type Codec interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
	Type() Type
}

// New returns the codec for a compression type.
func New(t Type) (Codec, error) {
	switch t {
	case None:
		return noneCodec{}, nil
	case Snappy:
		return snappyCodec{}, nil
	case S2:
		return s2Codec{}, nil
	case Zstd:
		return newZstdCodec()
	default:
		return nil, fmt.Errorf("unknown compression type %d", t)
	}
}

type noneCodec struct{}

func (noneCodec) Compress(src []byte) ([]byte, error)   { return src, nil }
func (noneCodec) Decompress(src []byte) ([]byte, error) { return src, nil }
func (noneCodec) Type() Type                            { return None }

type snappyCodec struct{}

func (snappyCodec) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decompress(src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decompression failed: %w", err)
	}
	return out, nil
}

func (snappyCodec) Type() Type { return Snappy }

type s2Codec struct{}

func (s2Codec) Compress(src []byte) ([]byte, error) {
	return s2.Encode(nil, src), nil
}

func (s2Codec) Decompress(src []byte) ([]byte, error) {
	out, err := s2.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("s2 decompression failed: %w", err)
	}
	return out, nil
}

func (s2Codec) Type() Type { return S2 }

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) Compress(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, nil), nil
}

func (c *zstdCodec) Decompress(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}

func (c *zstdCodec) Type() Type { return Zstd }
