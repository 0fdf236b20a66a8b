package snapshot

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/strata-db/strata/pkg/errors"
)

// CompressionCodec selects the snapshot payload compression.
type CompressionCodec string

const (
	CodecNone   CompressionCodec = "none"
	CodecSnappy CompressionCodec = "snappy"
	CodecZstd   CompressionCodec = "zstd"
	CodecLz4    CompressionCodec = "lz4"
)

// Valid reports whether the codec is supported.
func (c CompressionCodec) Valid() bool {
	switch c {
	case CodecNone, CodecSnappy, CodecZstd, CodecLz4:
		return true
	}
	return false
}

// ext returns the key suffix for a codec, appended to the format ext.
func (c CompressionCodec) ext() string {
	switch c {
	case CodecSnappy:
		return ".snappy"
	case CodecZstd:
		return ".zst"
	case CodecLz4:
		return ".lz4"
	default:
		return ""
	}
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compress(data []byte, codec CompressionCodec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	case CodecZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case CodecLz4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(errors.KindSerialization, "lz4 compress", err)
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(errors.KindSerialization, "lz4 compress", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.Newf(errors.KindValidation, "unknown compression codec %q", codec)
	}
}

func decompress(data []byte, codec CompressionCodec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, errors.Wrap(errors.KindCorruption, "snappy decompress", err)
		}
		return out, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, errors.Wrap(errors.KindCorruption, "zstd decompress", err)
		}
		return out, nil
	case CodecLz4:
		r := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(errors.KindCorruption, "lz4 decompress", err)
		}
		return out, nil
	default:
		return nil, errors.Newf(errors.KindValidation, "unknown compression codec %q", codec)
	}
}
