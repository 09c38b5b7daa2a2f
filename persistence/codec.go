package persistence

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects the compression applied to archived zone streams.
type Codec uint8

const (
	// CodecNone stores zone streams uncompressed.
	CodecNone Codec = iota
	// CodecZstd compresses with zstandard, the default for archives.
	CodecZstd
	// CodecS2 compresses with s2, favoring speed over ratio.
	CodecS2
	// CodecLZ4 compresses with the LZ4 frame format.
	CodecLZ4

	codecCount
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecS2:
		return "s2"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

func (c Codec) valid() bool { return c < codecCount }

func (c Codec) compress(data []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return data, nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		out := enc.EncodeAll(data, nil)
		_ = enc.Close()
		return out, nil
	case CodecS2:
		return s2.Encode(nil, data), nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("persistence: unknown codec %d", uint8(c))
	}
}

func (c Codec) decompress(data []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return data, nil
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case CodecS2:
		return s2.Decode(nil, data)
	case CodecLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("persistence: unknown codec %d", uint8(c))
	}
}
