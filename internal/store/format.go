package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/ocelotpotpie/BlockStore/internal/chunkloc"
)

// Chunk file format
//
// File structure:
//   Header (20 bytes, little endian):
//     - Magic (4): "BSCK"
//     - Version (2): 1
//     - Codec (2): body compression, see Codec
//     - RecordCount (4): number of records
//     - BodySize (4): uncompressed body size
//     - Checksum (4): CRC32 (IEEE) of the uncompressed body
//   Body (compressed with Codec):
//     RecordCount records sorted by (offset, name id), each:
//       - Offset (2): packed chunkloc.Offset index
//       - NameID (uvarint)
//       - Value: kind byte + payload (see encoding.go)
//
// Records are strictly increasing in (offset, name id), so the encoding of a
// given table is unique and decoding rejects duplicates.

const (
	ChunkMagic      = "BSCK"
	ChunkVersion    = 1
	ChunkHeaderSize = 20
)

// ChunkHeader is the fixed-size header of an encoded chunk.
type ChunkHeader struct {
	Magic       [4]byte
	Version     uint16
	Codec       Codec
	RecordCount uint32
	BodySize    uint32
	Checksum    uint32
}

func encodeChunkHeader(h *ChunkHeader) []byte {
	buf := make([]byte, ChunkHeaderSize)
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(h.Codec))
	binary.LittleEndian.PutUint32(buf[8:12], h.RecordCount)
	binary.LittleEndian.PutUint32(buf[12:16], h.BodySize)
	binary.LittleEndian.PutUint32(buf[16:20], h.Checksum)
	return buf
}

// DecodeChunkHeader decodes and validates the header at the start of buf.
func DecodeChunkHeader(buf []byte) (*ChunkHeader, error) {
	if len(buf) < ChunkHeaderSize {
		return nil, fmt.Errorf("%w: header too short", ErrCorrupt)
	}
	h := &ChunkHeader{}
	copy(h.Magic[:], buf[0:4])
	if string(h.Magic[:]) != ChunkMagic {
		return nil, fmt.Errorf("%w: invalid magic %q", ErrCorrupt, h.Magic)
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	if h.Version != ChunkVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, h.Version)
	}
	h.Codec = Codec(binary.LittleEndian.Uint16(buf[6:8]))
	if h.Codec >= codecCount {
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, h.Codec)
	}
	h.RecordCount = binary.LittleEndian.Uint32(buf[8:12])
	h.BodySize = binary.LittleEndian.Uint32(buf[12:16])
	h.Checksum = binary.LittleEndian.Uint32(buf[16:20])
	return h, nil
}

// encodeChunk encodes sorted records. comp may be nil for CodecNone.
func encodeChunk(records []record, codec Codec, comp *compressor) ([]byte, error) {
	body := make([]byte, 0, len(records)*16)
	var err error
	for _, r := range records {
		body = binary.LittleEndian.AppendUint16(body, r.off)
		body = binary.AppendUvarint(body, uint64(r.name))
		body, err = appendValue(body, r.val)
		if err != nil {
			return nil, fmt.Errorf("record at %v name %d: %w", chunkloc.OffsetFromIndex(r.off), r.name, err)
		}
	}

	header := ChunkHeader{
		Version:     ChunkVersion,
		Codec:       codec,
		RecordCount: uint32(len(records)),
		BodySize:    uint32(len(body)),
		Checksum:    crc32.ChecksumIEEE(body),
	}
	copy(header.Magic[:], ChunkMagic)

	payload := body
	if codec != CodecNone {
		if comp == nil {
			return nil, errors.New("no compressor for " + codec.String())
		}
		payload, err = comp.compress(codec, body)
		if err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, ChunkHeaderSize+len(payload))
	out = append(out, encodeChunkHeader(&header)...)
	return append(out, payload...), nil
}

// decodeChunk decodes an encoded chunk. nameCount is the size of the registry
// the chunk was written against; any larger id is corruption.
func decodeChunk(data []byte, comp *compressor, nameCount int) ([]record, error) {
	h, err := DecodeChunkHeader(data)
	if err != nil {
		return nil, err
	}
	body, err := comp.decompress(h.Codec, data[ChunkHeaderSize:], int(h.BodySize))
	if err != nil {
		return nil, err
	}
	if crc := crc32.ChecksumIEEE(body); crc != h.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch: got %08x, want %08x", ErrCorrupt, crc, h.Checksum)
	}
	// Every record takes at least 5 bytes.
	if uint64(h.RecordCount)*5 > uint64(len(body)) {
		return nil, fmt.Errorf("%w: %d records cannot fit in %d bytes", ErrCorrupt, h.RecordCount, len(body))
	}

	records := make([]record, 0, h.RecordCount)
	for i := uint32(0); i < h.RecordCount; i++ {
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: short buffer for record %d", ErrCorrupt, i)
		}
		off := binary.LittleEndian.Uint16(body)
		body = body[2:]
		if off >= chunkloc.Volume {
			return nil, fmt.Errorf("%w: offset index %d out of range", ErrCorrupt, off)
		}

		id, n := binary.Uvarint(body)
		if n <= 0 {
			return nil, fmt.Errorf("%w: invalid name id in record %d", ErrCorrupt, i)
		}
		body = body[n:]
		if id >= uint64(nameCount) {
			return nil, fmt.Errorf("%w: name id %d unknown to registry of %d names", ErrCorrupt, id, nameCount)
		}

		val, rest, err := parseValue(body)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		body = rest

		r := record{off: off, name: int(id), val: val}
		if len(records) > 0 {
			prev := records[len(records)-1]
			if r.off < prev.off || (r.off == prev.off && r.name <= prev.name) {
				return nil, fmt.Errorf("%w: record %d out of order", ErrCorrupt, i)
			}
		}
		records = append(records, r)
	}
	if len(body) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(body))
	}
	return records, nil
}
