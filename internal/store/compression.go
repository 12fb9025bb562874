package store

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects how a chunk body is compressed. The codec id is persisted in
// the chunk header, so any store can read chunks written with any codec.
type Codec uint16

const (
	CodecNone Codec = iota
	CodecZstd
	CodecLZ4

	codecCount
)

// maxBodySize bounds the decompressed size of a chunk body.
const maxBodySize = 256 * 1024 * 1024

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint16(c))
	}
}

// ParseCodec parses a codec name as used in configuration.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	}
	return CodecNone, fmt.Errorf("%w: unknown compression %q", ErrInvalidArgument, s)
}

// compressor holds the reusable zstd state. Both EncodeAll and DecodeAll are
// safe for concurrent use.
type compressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCompressor() (*compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(maxBodySize))
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &compressor{enc: enc, dec: dec}, nil
}

// defaultCompressor backs ChunkStore.MarshalBinary/UnmarshalBinary, which have
// no Store to borrow a compressor from.
var defaultCompressor = sync.OnceValues(newCompressor)

func (c *compressor) close() {
	c.enc.Close()
	c.dec.Close()
}

func (c *compressor) compress(codec Codec, body []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return body, nil
	case CodecZstd:
		return c.enc.EncodeAll(body, make([]byte, 0, len(body)/2)), nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(body)))
		n, err := lz4.CompressBlock(body, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(body) {
			// Incompressible; store the body verbatim and let decompress
			// recognise it by its length.
			return body, nil
		}
		return dst[:n], nil
	}
	return nil, fmt.Errorf("%w: unknown codec %d", ErrInvalidArgument, codec)
}

func (c *compressor) decompress(codec Codec, data []byte, rawSize int) ([]byte, error) {
	if rawSize > maxBodySize {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrCorrupt, rawSize, maxBodySize)
	}
	var body []byte
	switch codec {
	case CodecNone:
		body = data
	case CodecZstd:
		out, err := c.dec.DecodeAll(data, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		body = out
	case CodecLZ4:
		if len(data) == rawSize {
			body = data
			break
		}
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
		}
		body = out[:n]
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, codec)
	}
	if len(body) != rawSize {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrCorrupt, len(body), rawSize)
	}
	return body, nil
}
