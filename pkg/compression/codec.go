package compression

import (
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// ID is persisted in every chunk data file header so a file is always
// decoded with the codec it was written with.
type ID uint8

const (
	None ID = iota
	Zstd
	Snappy
)

// Codec compresses single record values. Implementations are safe for concurrent use.
type Codec interface {
	ID() ID
	Name() string
	Encode(src []byte) []byte
	Decode(src []byte) ([]byte, error)
}

// ByName resolves a configured codec name; the empty name means no compression.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "none":
		return noneCodec{}, nil
	case "zstd":
		return newZstd()
	case "snappy":
		return snappyCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

// ByID resolves the codec recorded in a file header.
func ByID(id ID) (Codec, error) {
	switch id {
	case None:
		return noneCodec{}, nil
	case Zstd:
		return newZstd()
	case Snappy:
		return snappyCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown compression id %d", id)
	}
}

type noneCodec struct{}

func (noneCodec) ID() ID       { return None }
func (noneCodec) Name() string { return "none" }

func (noneCodec) Encode(src []byte) []byte {
	return append([]byte(nil), src...)
}

func (noneCodec) Decode(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}

// zstdCodec shares one encoder and decoder; EncodeAll/DecodeAll are
// goroutine-safe on both.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var newZstd = sync.OnceValues(func() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
})

func (*zstdCodec) ID() ID       { return Zstd }
func (*zstdCodec) Name() string { return "zstd" }

func (c *zstdCodec) Encode(src []byte) []byte {
	return c.enc.EncodeAll(src, nil)
}

func (c *zstdCodec) Decode(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

type snappyCodec struct{}

func (snappyCodec) ID() ID       { return Snappy }
func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Encode(src []byte) []byte {
	return snappy.Encode(nil, src)
}

func (snappyCodec) Decode(src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}
