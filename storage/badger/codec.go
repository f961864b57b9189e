// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/logmq/internal/bufpool"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how stored values are compressed.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionS2   Compression = "s2"
	CompressionZstd Compression = "zstd"
)

// Values shorter than this are stored uncompressed.
const minCompressSize = 256

// Leading byte of every stored value.
const (
	tagNone byte = iota
	tagS2
	tagZstd
)

var errCorruptValue = errors.New("corrupt stored value")

var scratch = bufpool.New(256 << 10)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// ParseCompression validates a configured compression name.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(name); c {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionS2, CompressionZstd:
		return c, nil
	default:
		return "", fmt.Errorf("unknown compression %q", name)
	}
}

type codec struct {
	compression Compression
}

func (c codec) encode(v any) ([]byte, error) {
	buf := scratch.Get()
	defer scratch.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})

	if len(data) < minCompressSize {
		return append([]byte{tagNone}, data...), nil
	}

	switch c.compression {
	case CompressionS2:
		out := make([]byte, 1+s2.MaxEncodedLen(len(data)))
		out[0] = tagS2
		enc := s2.Encode(out[1:], data)
		return out[:1+len(enc)], nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, []byte{tagZstd}), nil
	default:
		return append([]byte{tagNone}, data...), nil
	}
}

// decode reads values written with any compression, so the setting can change between runs.
func (c codec) decode(val []byte, v any) error {
	if len(val) == 0 {
		return errCorruptValue
	}

	data := val[1:]
	switch val[0] {
	case tagNone:
	case tagS2:
		out, err := s2.Decode(nil, data)
		if err != nil {
			return fmt.Errorf("s2 decode: %w", err)
		}
		data = out
	case tagZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("zstd decode: %w", err)
		}
		data = out
	default:
		return errCorruptValue
	}

	return json.Unmarshal(data, v)
}
